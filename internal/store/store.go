// Package store はレストランディレクトリと注文ストアへのアクセスを抽象化する。
//
// バックエンドはSQLite・PostgreSQL・MongoDBの3種類を用意している。
// いずれも注文コレクションへの変更を順序通りに配信する変更フィードを提供する。
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/pkg/change"
)

// ErrFeedClosed はClose済みのフィードに対してNextを呼んだときに返る。
var ErrFeedClosed = errors.New("変更フィードはクローズ済み")

// DirectoryStore はレストランの識別レコードを保持する。
type DirectoryStore interface {
	// UpsertDeliveryToken はrestIdをキーに配信先トークンを登録し、更新後のプロフィールを返す。
	UpsertDeliveryToken(ctx context.Context, restID, token string) (*domain.RestaurantProfile, error)
	// FindProfileByRestID はrestIdでプロフィールを取得する。存在しない場合はdomain.ErrNotFound。
	FindProfileByRestID(ctx context.Context, restID string) (*domain.RestaurantProfile, error)
	// FindProfileByEmail はメールアドレスの完全一致でプロフィールを取得する。
	FindProfileByEmail(ctx context.Context, email string) (*domain.RestaurantProfile, error)
	// CreateProfile はプロフィールを作成する。プロフィール管理フローとテストから使用する。
	CreateProfile(ctx context.Context, p *domain.RestaurantProfile) error
}

// OrderStore は対応待ちの注文を保持する。
type OrderStore interface {
	// InsertOrder は注文を挿入する。IDが空の場合はストアが採番してo.IDに設定する。
	InsertOrder(ctx context.Context, o *domain.Order) error
	// GetOrder はIDで注文を取得する。存在しない場合はdomain.ErrNotFound。
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	// ListOrdersByOwner はrestIdの注文を新しい順にlimit件まで返す。
	ListOrdersByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Order, error)
	// DeleteOrder は注文を削除する。存在しない場合はdomain.ErrNotFound。
	DeleteOrder(ctx context.Context, id string) error
	// Watch は注文コレクションの変更フィードを購読する。
	// 購読開始以前の変更は配信しない。
	Watch(ctx context.Context) (Feed, error)
}

// Feed は変更イベントを1件ずつストアの記録順に配信する。
type Feed interface {
	// Next は次のイベントを待って返す。Close後はErrFeedClosedを返す。
	Next(ctx context.Context) (*change.Event, error)
	// Close は購読を終了する。
	Close(ctx context.Context) error
}

// ArchiveStore は受付済み注文のアーカイブと注文ステータスを保持する。
type ArchiveStore interface {
	// ArchiveOrder は受付済み注文をアーカイブに挿入する。
	// 同じoriginalOrderIdが既に存在する場合は何もしない。
	ArchiveOrder(ctx context.Context, o *domain.Order) error
	// FindArchivedOrder は元注文IDでアーカイブを取得する。
	FindArchivedOrder(ctx context.Context, originalOrderID string) (*domain.Order, error)
	// UpdateOrderStatus はステータスレコードを更新する。レコードが無い場合は挿入しない。
	UpdateOrderStatus(ctx context.Context, orderID, status string, at time.Time) error
	// GetOrderStatus はステータスレコードを取得する。
	GetOrderStatus(ctx context.Context, orderID string) (*domain.StatusRecord, error)
	// CreateOrderStatus はステータスレコードを作成する。注文作成フローとテストから使用する。
	CreateOrderStatus(ctx context.Context, rec *domain.StatusRecord) error
}

// AcceptJournal は受付処理の途中経過を記録する。
type AcceptJournal interface {
	// BeginAccept は受付の意図を注文のスナップショットと共に記録する。
	BeginAccept(ctx context.Context, o *domain.Order) (*domain.AcceptIntent, error)
	// AdvanceAccept は完了したステップを記録する。
	AdvanceAccept(ctx context.Context, id, step string) error
	// CompleteAccept は受付処理の完了を記録する。
	CompleteAccept(ctx context.Context, id string) error
	// ListPendingAccepts は未完了のジャーナルを古い順に返す。
	ListPendingAccepts(ctx context.Context) ([]domain.AcceptIntent, error)
}

// Store は全てのストア操作をまとめたもの。
type Store interface {
	DirectoryStore
	OrderStore
	ArchiveStore
	AcceptJournal

	// Close は接続を閉じる。
	Close() error
}

// DefaultEventRetention は変更ログを保持する期間。購読開始時にこれより古い行を削除する。
const DefaultEventRetention = 24 * time.Hour
