// Package change はドキュメントストアの変更フィードが配信するイベントを表す。
package change

import (
	"encoding/json"
	"time"
)

// OperationType は変更の種類を表す。
type OperationType string

const (
	// OperationInsert はドキュメントが挿入されたことを表す。
	OperationInsert OperationType = "insert"
	// OperationUpdate はドキュメントが更新されたことを表す。
	OperationUpdate OperationType = "update"
	// OperationReplace はドキュメントが置換されたことを表す。
	OperationReplace OperationType = "replace"
	// OperationDelete はドキュメントが削除されたことを表す。
	OperationDelete OperationType = "delete"
)

// Event は変更フィードから届く一時的な通知。永続化しない。
type Event struct {
	// ID はフィード内での位置（シーケンス番号やレジュームトークン）。
	ID string `json:"id"`
	// OperationType は変更の種類。
	OperationType OperationType `json:"operationType"`
	// DocumentKey は変更されたドキュメントのID。
	DocumentKey string `json:"documentKey"`
	// FullDocument は変更後のドキュメント全体（JSON形式）。削除時は空。
	FullDocument json.RawMessage `json:"fullDocument,omitempty"`
	// ClusterTime はストアが変更を記録した日時。
	ClusterTime time.Time `json:"clusterTime"`
}

// IsInsert は挿入イベントかを返す。
func (e *Event) IsInsert() bool {
	return e != nil && e.OperationType == OperationInsert
}
