package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nao1215/ordernotify/internal/store"
	"github.com/nao1215/ordernotify/pkg/change"
)

const feedBatchSize = 100

// feed はLISTENで起こされて変更ログを読む変更フィード。
// 通知を取りこぼしてもpollInterval経過後に変更ログを再確認する。
type feed struct {
	pool     *pgxpool.Pool
	listener *pgx.Conn
	interval time.Duration
	cursor   int64
	buf      []*change.Event

	// mu はlistenerの利用をNextとCloseの間で排他する。
	mu        sync.Mutex
	done      context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Watch は注文テーブルの変更フィードを購読する。
// LISTENを開始してから最新位置を読むため、購読開始後の変更は漏れない。
func (s *Store) Watch(ctx context.Context) (store.Feed, error) {
	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("購読用接続の取得に失敗: %w", err)
	}
	// LISTEN状態の接続をプールに戻さないよう切り離す
	conn := pc.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("LISTENに失敗: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM order_events WHERE created_at < $1`, s.now().Add(-s.retention)); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("変更ログの削除に失敗: %w", err)
	}

	var cursor int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM order_events`).Scan(&cursor); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("変更ログの位置取得に失敗: %w", err)
	}

	done, cancel := context.WithCancel(context.Background())
	return &feed{
		pool:     s.pool,
		listener: conn,
		interval: s.pollInterval,
		cursor:   cursor,
		done:     done,
		cancel:   cancel,
	}, nil
}

// Next は次のイベントを返す。
func (f *feed) Next(ctx context.Context) (*change.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		if len(f.buf) > 0 {
			ev := f.buf[0]
			f.buf = f.buf[1:]
			return ev, nil
		}
		if f.done.Err() != nil {
			return nil, store.ErrFeedClosed
		}
		if err := f.fetch(ctx); err != nil {
			return nil, err
		}
		if len(f.buf) > 0 {
			continue
		}
		if err := f.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// wait は通知かタイムアウトかCloseのいずれかまで待つ。
func (f *feed) wait(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, f.interval)
	defer cancel()
	stop := context.AfterFunc(f.done, cancel)
	defer stop()

	_, err := f.listener.WaitForNotification(waitCtx)
	switch {
	case err == nil:
		return nil
	case f.done.Err() != nil:
		return store.ErrFeedClosed
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(waitCtx.Err(), context.DeadlineExceeded) && !f.listener.IsClosed():
		// タイムアウトでは接続は閉じないので、変更ログの再確認に戻る
		return nil
	default:
		return fmt.Errorf("通知の待機に失敗: %w", err)
	}
}

// Close はフィードを閉じ、LISTEN用の接続を切断する。
func (f *feed) Close(ctx context.Context) error {
	var err error
	f.closeOnce.Do(func() {
		f.cancel()
		f.mu.Lock()
		defer f.mu.Unlock()
		err = f.listener.Close(ctx)
	})
	return err
}

func (f *feed) fetch(ctx context.Context) error {
	rows, err := f.pool.Query(ctx, `
		SELECT seq, operation, order_id, document, created_at
		FROM order_events WHERE seq > $1 ORDER BY seq LIMIT $2`, f.cursor, feedBatchSize)
	if err != nil {
		return fmt.Errorf("変更ログの読み込みに失敗: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq       int64
			op, key   string
			doc       []byte
			createdAt time.Time
		)
		if err := rows.Scan(&seq, &op, &key, &doc, &createdAt); err != nil {
			return fmt.Errorf("変更ログの読み取りに失敗: %w", err)
		}
		f.buf = append(f.buf, &change.Event{
			ID:            strconv.FormatInt(seq, 10),
			OperationType: change.OperationType(op),
			DocumentKey:   key,
			FullDocument:  doc,
			ClusterTime:   createdAt.UTC(),
		})
		f.cursor = seq
	}
	return rows.Err()
}
