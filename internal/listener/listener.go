// Package listener は注文ストアの変更フィードを購読し、新しい注文をレストランに通知する。
//
// イベントはフィードの配信順に1件ずつ処理する。配信は最大1回のベストエフォートで、
// プロセス停止中や再購読までの間に発生した挿入は通知されない。
package listener

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/internal/store"
	"github.com/nao1215/ordernotify/pkg/change"
)

// DefaultResubscribeBackoff はフィード障害後に再購読するまでの初期待ち時間。
const DefaultResubscribeBackoff = time.Second

// maxResubscribeBackoff は再購読の待ち時間の上限。
const maxResubscribeBackoff = 30 * time.Second

// Watcher は変更フィードの購読元。
type Watcher interface {
	Watch(ctx context.Context) (store.Feed, error)
}

// ProfileFinder は注文の所有者からプロフィールを引く。
type ProfileFinder interface {
	FindProfileByRestID(ctx context.Context, restID string) (*domain.RestaurantProfile, error)
}

// Notifier は配信先トークンへ注文を通知する。
type Notifier interface {
	Notify(ctx context.Context, token string, order *domain.Order) error
}

// Listener は注文の挿入を監視して通知を送るバックグラウンド処理。
type Listener struct {
	source    Watcher
	directory ProfileFinder
	notifier  Notifier

	backoff time.Duration
	onEvent func(*change.Event, Outcome)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option はListenerの設定を変更する。
type Option func(*Listener)

// WithResubscribeBackoff はフィード障害後の再購読までの待ち時間を設定する。
func WithResubscribeBackoff(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.backoff = d
		}
	}
}

// WithOutcomeHook はイベントごとの処理結果を受け取る関数を設定する。
func WithOutcomeHook(fn func(*change.Event, Outcome)) Option {
	return func(l *Listener) {
		l.onEvent = fn
	}
}

// New は新しいListenerを生成する。
func New(source Watcher, directory ProfileFinder, notifier Notifier, opts ...Option) *Listener {
	l := &Listener{
		source:    source,
		directory: directory,
		notifier:  notifier,
		backoff:   DefaultResubscribeBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start は購読を開始し、イベント処理をバックグラウンドで実行する。
// 最初の購読に失敗した場合はエラーを返す。ctxがキャンセルされると処理を終了する。
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return errors.New("listenerは既に開始されている")
	}

	feed, err := l.source.Watch(ctx)
	if err != nil {
		return fmt.Errorf("変更フィードの購読に失敗: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(runCtx, feed)

	log.Println("[Listener] 新しい注文の監視を開始しました")
	return nil
}

// Stop は新しいイベントの読み込みを止め、処理中のイベントの完了を待つ。
// ctxが先に終了した場合はctxのエラーを返す。処理中の配信はキャンセルしない。
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		log.Println("[Listener] 停止しました")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run はフィードからイベントを読み、1件ずつ処理する。
func (l *Listener) run(ctx context.Context, feed store.Feed) {
	defer close(l.done)
	defer func() {
		if feed != nil {
			closeFeed(feed)
		}
	}()

	// 処理中のイベントはStopでキャンセルしない
	handleCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		ev, err := feed.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Listener] 変更フィードの読み込みに失敗: %v", err)
			closeFeed(feed)
			feed = l.resubscribe(ctx)
			if feed == nil {
				return
			}
			continue
		}
		l.handle(handleCtx, ev)
	}
}

// resubscribe は待ち時間を伸ばしながら購読をやり直す。ctxが終了した場合はnilを返す。
func (l *Listener) resubscribe(ctx context.Context) store.Feed {
	wait := l.backoff
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		feed, err := l.source.Watch(ctx)
		if err == nil {
			log.Println("[Listener] 変更フィードを再購読しました（切断中の注文は通知されません）")
			return feed
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("[Listener] 再購読に失敗: %v（%v後に再試行）", err, wait)
		wait = min(wait*2, maxResubscribeBackoff)
	}
}

func closeFeed(feed store.Feed) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := feed.Close(ctx); err != nil {
		log.Printf("[Listener] 変更フィードのクローズに失敗: %v", err)
	}
}

// handle は1件のイベントを処理する。パニックはこのイベントの失敗として扱う。
func (l *Listener) handle(ctx context.Context, ev *change.Event) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Listener] イベント処理中にパニックが発生: event=%s, panic=%v", eventID(ev), r)
			out = OutcomePanicked
		}
		if l.onEvent != nil {
			l.onEvent(ev, out)
		}
	}()

	if !ev.IsInsert() {
		return OutcomeIgnored
	}

	order, err := change.DecodeDocument[domain.Order](ev)
	if err != nil {
		log.Printf("[Listener] 注文ドキュメントのデコードに失敗: key=%s, err=%v", ev.DocumentKey, err)
		return OutcomeInvalid
	}
	if order.ID == "" {
		order.ID = ev.DocumentKey
	}
	log.Printf("[Listener] 新しい注文を検出しました: orderId=%s", order.ID)

	if order.RestID == "" {
		log.Printf("[Listener] 注文にrestIdが無いため通知をスキップ: orderId=%s", order.ID)
		return OutcomeNoOwner
	}

	profile, err := l.directory.FindProfileByRestID(ctx, order.RestID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		log.Printf("[Listener] レストランが見つからないため通知をスキップ: restId=%s", order.RestID)
		return OutcomeNoProfile
	case err != nil:
		log.Printf("[Listener] レストランの検索に失敗: restId=%s, err=%v", order.RestID, err)
		return OutcomeLookupFailed
	}
	if !profile.HasDeliveryToken() {
		log.Printf("[Listener] 配信先トークンが未登録のため通知をスキップ: restId=%s", order.RestID)
		return OutcomeNoToken
	}

	log.Printf("[Listener] 通知を送信します: restId=%s, email=%s", profile.RestID, profile.Email)
	if err := l.notifier.Notify(ctx, profile.DeliveryToken, order); err != nil {
		log.Printf("[Listener] 通知の送信に失敗: orderId=%s, err=%v", order.ID, err)
		return OutcomeDispatchFailed
	}
	return OutcomeDispatched
}

func eventID(ev *change.Event) string {
	if ev == nil {
		return "<nil>"
	}
	return ev.ID
}
