package change

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoDocument はFullDocumentを持たないイベントをデコードしようとしたときのエラー。
var ErrNoDocument = errors.New("イベントにドキュメントが含まれていない")

// New は新しいイベントを生成する。
// docにはドキュメントの構造体かjson.RawMessageを渡す。nilの場合はFullDocumentを持たない。
func New(id string, op OperationType, key string, doc any) (*Event, error) {
	e := &Event{
		ID:            id,
		OperationType: op,
		DocumentKey:   key,
		ClusterTime:   time.Now().UTC(),
	}
	if doc == nil {
		return e, nil
	}

	if raw, ok := doc.(json.RawMessage); ok {
		e.FullDocument = raw
		return e, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("ドキュメントのシリアライズに失敗: %w", err)
	}
	e.FullDocument = data
	return e, nil
}

// DecodeDocument はイベントのFullDocumentを指定された型にデシリアライズする。
func DecodeDocument[T any](e *Event) (*T, error) {
	if e == nil || len(e.FullDocument) == 0 {
		return nil, ErrNoDocument
	}
	var doc T
	if err := json.Unmarshal(e.FullDocument, &doc); err != nil {
		return nil, fmt.Errorf("ドキュメントのデシリアライズに失敗: %w", err)
	}
	return &doc, nil
}
