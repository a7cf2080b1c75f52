package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nao1215/ordernotify/internal/store"
	"github.com/nao1215/ordernotify/pkg/change"
)

// changeDoc はチェンジストリームが返すドキュメントのうち使用するフィールド。
type changeDoc struct {
	OperationType string              `bson:"operationType"`
	DocumentKey   bson.M              `bson:"documentKey"`
	FullDocument  bson.M              `bson:"fullDocument"`
	ClusterTime   primitive.Timestamp `bson:"clusterTime"`
}

// feed はチェンジストリームを包んだ変更フィード。
type feed struct {
	stream *mongo.ChangeStream

	// mu はstreamの利用をNextとCloseの間で排他する。
	mu        sync.Mutex
	done      context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Watch は注文コレクションのチェンジストリームを開く。
func (s *Store) Watch(ctx context.Context) (store.Feed, error) {
	stream, err := s.orders.Watch(ctx, mongo.Pipeline{}, options.ChangeStream())
	if err != nil {
		return nil, fmt.Errorf("チェンジストリームの開始に失敗: %w", err)
	}
	done, cancel := context.WithCancel(context.Background())
	return &feed{stream: stream, done: done, cancel: cancel}, nil
}

// Next は次の変更を返す。
func (f *feed) Next(ctx context.Context) (*change.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.done.Err() != nil {
		return nil, store.ErrFeedClosed
	}

	nextCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(f.done, cancel)
	defer stop()

	if !f.stream.Next(nextCtx) {
		switch {
		case f.done.Err() != nil:
			return nil, store.ErrFeedClosed
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case f.stream.Err() != nil:
			return nil, fmt.Errorf("チェンジストリームの読み込みに失敗: %w", f.stream.Err())
		default:
			return nil, errors.New("チェンジストリームが終了した")
		}
	}

	var doc changeDoc
	if err := f.stream.Decode(&doc); err != nil {
		return nil, fmt.Errorf("変更ドキュメントのデコードに失敗: %w", err)
	}
	return toEvent(f.stream.ResumeToken().String(), doc)
}

// Close はチェンジストリームを閉じる。
func (f *feed) Close(ctx context.Context) error {
	var err error
	f.closeOnce.Do(func() {
		f.cancel()
		f.mu.Lock()
		defer f.mu.Unlock()
		err = f.stream.Close(ctx)
	})
	return err
}

// toEvent はチェンジストリームのドキュメントを変更イベントに変換する。
func toEvent(id string, doc changeDoc) (*change.Event, error) {
	ev := &change.Event{
		ID:            id,
		OperationType: change.OperationType(doc.OperationType),
		ClusterTime:   time.Unix(int64(doc.ClusterTime.T), 0).UTC(),
	}
	if key, ok := normalize(doc.DocumentKey[fieldID]).(string); ok {
		ev.DocumentKey = key
	} else if v := doc.DocumentKey[fieldID]; v != nil {
		ev.DocumentKey = fmt.Sprint(normalize(v))
	}
	if doc.FullDocument != nil {
		b, err := docToJSON(doc.FullDocument)
		if err != nil {
			return nil, err
		}
		ev.FullDocument = b
	}
	return ev, nil
}
