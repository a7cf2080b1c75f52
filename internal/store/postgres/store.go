// Package postgres はjackc/pgx/v5を使ったストア実装を提供する。
//
// 注文テーブルへの変更はトリガーでorder_eventsに追記され、
// 同じトリガーがpg_notifyで購読中の変更フィードを起こす。
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/internal/store"
	"github.com/nao1215/ordernotify/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// notifyChannel はトリガーが通知を送るチャンネル名。
const notifyChannel = "order_events"

// Store はPostgreSQLによるstore.Storeの実装。
type Store struct {
	pool *pgxpool.Pool
	// sqlDB はマイグレーション用にプールを包んだもの。
	sqlDB *sql.DB
	// pollInterval は通知が届かない場合に変更ログを再確認する間隔。
	pollInterval time.Duration
	retention    time.Duration
	now          func() time.Time
}

var _ store.Store = (*Store)(nil)

// Option はStoreの設定を変更する。
type Option func(*Store)

// WithPollInterval は通知待ちのタイムアウトを設定する。
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithEventRetention は変更ログの保持期間を設定する。
func WithEventRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// Open はPostgreSQLに接続し、マイグレーションを適用する。
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	if _, err := migration.Run(ctx, sqlDB, migration.Postgres, migrationsFS, "migrations"); err != nil {
		_ = sqlDB.Close()
		pool.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	s := &Store{
		pool:         pool,
		sqlDB:        sqlDB,
		pollInterval: 5 * time.Second,
		retention:    store.DefaultEventRetention,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close は接続プールを閉じる。
func (s *Store) Close() error {
	err := s.sqlDB.Close()
	s.pool.Close()
	return err
}

const profileColumns = `id, rest_id, email, phone, rest_location, delivery_token, password_hash, extra`

// UpsertDeliveryToken はrestIdをキーに配信先トークンを登録する。
func (s *Store) UpsertDeliveryToken(ctx context.Context, restID, token string) (*domain.RestaurantProfile, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO restaurants (id, rest_id, delivery_token, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (rest_id) DO UPDATE SET
			delivery_token = EXCLUDED.delivery_token,
			updated_at = EXCLUDED.updated_at
		RETURNING `+profileColumns,
		uuid.New().String(), restID, token, s.now(),
	)
	return scanProfile(row)
}

// FindProfileByRestID はrestIdでプロフィールを取得する。
func (s *Store) FindProfileByRestID(ctx context.Context, restID string) (*domain.RestaurantProfile, error) {
	return scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM restaurants WHERE rest_id = $1`, restID))
}

// FindProfileByEmail はメールアドレスの完全一致でプロフィールを取得する。
func (s *Store) FindProfileByEmail(ctx context.Context, email string) (*domain.RestaurantProfile, error) {
	return scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM restaurants WHERE email = $1 AND email <> '' ORDER BY rest_id LIMIT 1`, email))
}

// CreateProfile はプロフィールを作成する。
func (s *Store) CreateProfile(ctx context.Context, p *domain.RestaurantProfile) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	extra := []byte("{}")
	if len(p.Extra) > 0 {
		var err error
		if extra, err = json.Marshal(p.Extra); err != nil {
			return fmt.Errorf("extraのシリアライズに失敗: %w", err)
		}
	}
	var token *string
	if p.DeliveryToken != "" {
		token = &p.DeliveryToken
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO restaurants (`+profileColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.RestID, p.Email, p.Phone, p.RestLocation, token, p.PasswordHash, extra, s.now(),
	); err != nil {
		return fmt.Errorf("プロフィールの作成に失敗: %w", err)
	}
	return nil
}

func scanProfile(row pgx.Row) (*domain.RestaurantProfile, error) {
	var (
		p     domain.RestaurantProfile
		token *string
		extra []byte
	)
	err := row.Scan(&p.ID, &p.RestID, &p.Email, &p.Phone, &p.RestLocation, &token, &p.PasswordHash, &extra)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗: %w", err)
	}
	if token != nil {
		p.DeliveryToken = *token
	}
	if len(extra) > 0 && string(extra) != "{}" {
		if err := json.Unmarshal(extra, &p.Extra); err != nil {
			return nil, fmt.Errorf("プロフィールのextraのデコードに失敗: %w", err)
		}
	}
	return &p, nil
}

// InsertOrder は注文を挿入する。IDが空の場合はUUIDv7を採番する。
func (s *Store) InsertOrder(ctx context.Context, o *domain.Order) error {
	if o.ID == "" {
		o.ID = uuid.Must(uuid.NewV7()).String()
	}
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("注文のシリアライズに失敗: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, rest_id, status, document) VALUES ($1, $2, $3, $4)`,
		o.ID, o.RestID, o.Status, doc,
	); err != nil {
		return fmt.Errorf("注文の挿入に失敗: %w", err)
	}
	return nil
}

// GetOrder はIDで注文を取得する。
func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx, `SELECT document FROM orders WHERE id = $1`, id))
}

// ListOrdersByOwner はrestIdの注文を挿入の新しい順に返す。
func (s *Store) ListOrdersByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT document FROM orders WHERE rest_id = $1 ORDER BY seq DESC LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("注文一覧の取得に失敗: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("注文の読み取りに失敗: %w", err)
		}
		var o domain.Order
		if err := json.Unmarshal(doc, &o); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// DeleteOrder は注文を削除する。
func (s *Store) DeleteOrder(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("注文の削除に失敗: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var doc []byte
	err := row.Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("注文の取得に失敗: %w", err)
	}
	var o domain.Order
	if err := json.Unmarshal(doc, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ArchiveOrder は受付済み注文をアーカイブする。同じ元注文IDが既にあれば何もしない。
func (s *Store) ArchiveOrder(ctx context.Context, o *domain.Order) error {
	if o.ID == "" {
		o.ID = uuid.Must(uuid.NewV7()).String()
	}
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("アーカイブのシリアライズに失敗: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO accepted_orders (id, original_order_id, rest_id, status, document, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (original_order_id) DO NOTHING`,
		o.ID, o.OriginalOrderID, o.RestID, o.Status, doc, s.now(),
	); err != nil {
		return fmt.Errorf("アーカイブへの挿入に失敗: %w", err)
	}
	return nil
}

// FindArchivedOrder は元注文IDでアーカイブを取得する。
func (s *Store) FindArchivedOrder(ctx context.Context, originalOrderID string) (*domain.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx,
		`SELECT document FROM accepted_orders WHERE original_order_id = $1`, originalOrderID))
}

// UpdateOrderStatus はステータスレコードを更新する。レコードが無い場合は何もしない。
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID, status string, at time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE order_status SET status = $1, updated_at = $2 WHERE order_id = $3`,
		status, at, orderID,
	); err != nil {
		return fmt.Errorf("ステータスの更新に失敗: %w", err)
	}
	return nil
}

// GetOrderStatus はステータスレコードを取得する。
func (s *Store) GetOrderStatus(ctx context.Context, orderID string) (*domain.StatusRecord, error) {
	var rec domain.StatusRecord
	err := s.pool.QueryRow(ctx,
		`SELECT order_id, status, updated_at FROM order_status WHERE order_id = $1`, orderID,
	).Scan(&rec.OrderID, &rec.Status, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ステータスの取得に失敗: %w", err)
	}
	return &rec, nil
}

// CreateOrderStatus はステータスレコードを作成する。
func (s *Store) CreateOrderStatus(ctx context.Context, rec *domain.StatusRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO order_status (order_id, status, updated_at) VALUES ($1, $2, $3)`,
		rec.OrderID, rec.Status, rec.UpdatedAt,
	); err != nil {
		return fmt.Errorf("ステータスの作成に失敗: %w", err)
	}
	return nil
}

// BeginAccept は受付の意図を記録する。
func (s *Store) BeginAccept(ctx context.Context, o *domain.Order) (*domain.AcceptIntent, error) {
	doc, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("注文スナップショットのシリアライズに失敗: %w", err)
	}
	now := s.now()
	intent := &domain.AcceptIntent{
		ID:        uuid.New().String(),
		OrderID:   o.ID,
		Step:      domain.AcceptStepPending,
		Order:     o.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO accept_journal (id, order_id, step, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		intent.ID, intent.OrderID, intent.Step, doc, now, now,
	); err != nil {
		return nil, fmt.Errorf("ジャーナルの記録に失敗: %w", err)
	}
	return intent, nil
}

// AdvanceAccept は完了したステップを記録する。
func (s *Store) AdvanceAccept(ctx context.Context, id, step string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accept_journal SET step = $1, updated_at = $2 WHERE id = $3`, step, s.now(), id)
	if err != nil {
		return fmt.Errorf("ジャーナルの更新に失敗: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CompleteAccept は受付処理の完了を記録する。
func (s *Store) CompleteAccept(ctx context.Context, id string) error {
	return s.AdvanceAccept(ctx, id, domain.AcceptStepCompleted)
}

// ListPendingAccepts は未完了のジャーナルを古い順に返す。
func (s *Store) ListPendingAccepts(ctx context.Context) ([]domain.AcceptIntent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, step, document, created_at, updated_at
		FROM accept_journal WHERE step <> $1 ORDER BY created_at, id`, domain.AcceptStepCompleted)
	if err != nil {
		return nil, fmt.Errorf("未完了ジャーナルの取得に失敗: %w", err)
	}
	defer rows.Close()

	var intents []domain.AcceptIntent
	for rows.Next() {
		var (
			in  domain.AcceptIntent
			doc []byte
		)
		if err := rows.Scan(&in.ID, &in.OrderID, &in.Step, &doc, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ジャーナルの読み取りに失敗: %w", err)
		}
		in.Order = &domain.Order{}
		if err := json.Unmarshal(doc, in.Order); err != nil {
			return nil, err
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}
