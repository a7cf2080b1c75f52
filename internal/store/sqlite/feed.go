package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nao1215/ordernotify/internal/store"
	"github.com/nao1215/ordernotify/pkg/change"
)

// feedBatchSize は1回のポーリングで読み込む最大件数。
const feedBatchSize = 100

// feed はorder_eventsテーブルをポーリングする変更フィード。
// Nextは単一のゴルーチンから呼ばれる前提で、Closeのみ並行に呼んでよい。
type feed struct {
	db       *sql.DB
	interval time.Duration
	cursor   int64
	buf      []*change.Event

	closed    chan struct{}
	closeOnce sync.Once
}

// Watch は注文テーブルの変更フィードを購読する。
// 保持期間を過ぎた変更ログを削除し、購読開始時点の最新位置から配信する。
func (s *Store) Watch(ctx context.Context) (store.Feed, error) {
	cutoff := s.now().Add(-s.retention).Format(timeLayout)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM order_events WHERE created_at < ?`, cutoff); err != nil {
		return nil, fmt.Errorf("変更ログの削除に失敗: %w", err)
	}

	var cursor sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM order_events`).Scan(&cursor); err != nil {
		return nil, fmt.Errorf("変更ログの位置取得に失敗: %w", err)
	}

	return &feed{
		db:       s.db,
		interval: s.pollInterval,
		cursor:   cursor.Int64,
		closed:   make(chan struct{}),
	}, nil
}

// Next は次のイベントを返す。新しいイベントが無ければポーリング間隔ごとに再確認する。
func (f *feed) Next(ctx context.Context) (*change.Event, error) {
	for {
		if len(f.buf) > 0 {
			ev := f.buf[0]
			f.buf = f.buf[1:]
			return ev, nil
		}

		select {
		case <-f.closed:
			return nil, store.ErrFeedClosed
		default:
		}

		if err := f.fetch(ctx); err != nil {
			return nil, err
		}
		if len(f.buf) > 0 {
			continue
		}

		timer := time.NewTimer(f.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-f.closed:
			timer.Stop()
			return nil, store.ErrFeedClosed
		case <-timer.C:
		}
	}
}

// Close はフィードを閉じる。複数回呼んでもよい。
func (f *feed) Close(_ context.Context) error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// fetch はカーソル以降のイベントをバッファに読み込む。
func (f *feed) fetch(ctx context.Context) error {
	rows, err := f.db.QueryContext(ctx, `
		SELECT seq, operation, order_id, document, created_at
		FROM order_events WHERE seq > ? ORDER BY seq LIMIT ?`, f.cursor, feedBatchSize)
	if err != nil {
		return fmt.Errorf("変更ログの読み込みに失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			seq       int64
			op, key   string
			doc       sql.NullString
			createdAt string
		)
		if err := rows.Scan(&seq, &op, &key, &doc, &createdAt); err != nil {
			return fmt.Errorf("変更ログの読み取りに失敗: %w", err)
		}
		ev := &change.Event{
			ID:            strconv.FormatInt(seq, 10),
			OperationType: change.OperationType(op),
			DocumentKey:   key,
			ClusterTime:   parseTime(createdAt),
		}
		if doc.Valid {
			ev.FullDocument = json.RawMessage(doc.String)
		}
		f.buf = append(f.buf, ev)
		f.cursor = seq
	}
	return rows.Err()
}
