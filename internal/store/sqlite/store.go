// Package sqlite はmodernc.org/sqliteを使ったストア実装を提供する。
//
// 注文テーブルへの変更はトリガーでorder_eventsに追記され、
// 変更フィードはこのテーブルを一定間隔でポーリングして配信する。
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/internal/store"
	"github.com/nao1215/ordernotify/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout はTEXTカラムに保存する日時の形式。辞書順が時刻順と一致する。
const timeLayout = "2006-01-02T15:04:05.000Z"

// Store はSQLiteによるstore.Storeの実装。
type Store struct {
	// db はSQLiteデータベース接続。書き込みは1接続に直列化する。
	db *sql.DB
	// pollInterval は変更フィードのポーリング間隔。
	pollInterval time.Duration
	// retention は変更ログの保持期間。
	retention time.Duration
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Option はStoreの設定を変更する。
type Option func(*Store)

// WithPollInterval は変更フィードのポーリング間隔を設定する。
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

// Open はSQLiteデータベースを開き、マイグレーションを適用する。
// pathに":memory:"を指定するとインメモリDBになる。
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// インメモリDBは接続ごとに別のDBになるため1接続に固定する
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if _, err := migration.Run(ctx, sqlDB, migration.SQLite, migrationsFS, "migrations"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	s := &Store{
		db:           sqlDB,
		pollInterval: 500 * time.Millisecond,
		retention:    store.DefaultEventRetention,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

const profileColumns = `id, rest_id, email, phone, rest_location, delivery_token, password_hash, extra`

// UpsertDeliveryToken はrestIdをキーに配信先トークンを登録する。
func (s *Store) UpsertDeliveryToken(ctx context.Context, restID, token string) (*domain.RestaurantProfile, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO restaurants (id, rest_id, delivery_token, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(rest_id) DO UPDATE SET
			delivery_token = excluded.delivery_token,
			updated_at = excluded.updated_at`,
		uuid.New().String(), restID, token, s.now().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("配信先トークンの登録に失敗: %w", err)
	}
	return s.FindProfileByRestID(ctx, restID)
}

// FindProfileByRestID はrestIdでプロフィールを取得する。
func (s *Store) FindProfileByRestID(ctx context.Context, restID string) (*domain.RestaurantProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM restaurants WHERE rest_id = ?`, restID)
	return scanProfile(row)
}

// FindProfileByEmail はメールアドレスの完全一致でプロフィールを取得する。
func (s *Store) FindProfileByEmail(ctx context.Context, email string) (*domain.RestaurantProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM restaurants WHERE email = ? AND email <> '' ORDER BY rest_id LIMIT 1`, email)
	return scanProfile(row)
}

// CreateProfile はプロフィールを作成する。IDが空の場合は採番する。
func (s *Store) CreateProfile(ctx context.Context, p *domain.RestaurantProfile) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	extra, err := marshalExtra(p.Extra)
	if err != nil {
		return err
	}
	var token sql.NullString
	if p.DeliveryToken != "" {
		token = sql.NullString{String: p.DeliveryToken, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO restaurants (`+profileColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RestID, p.Email, p.Phone, p.RestLocation, token, p.PasswordHash, extra, s.now().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("プロフィールの作成に失敗: %w", err)
	}
	return nil
}

func scanProfile(row *sql.Row) (*domain.RestaurantProfile, error) {
	var (
		p     domain.RestaurantProfile
		token sql.NullString
		extra string
	)
	err := row.Scan(&p.ID, &p.RestID, &p.Email, &p.Phone, &p.RestLocation, &token, &p.PasswordHash, &extra)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗: %w", err)
	}
	p.DeliveryToken = token.String
	if extra != "" && extra != "{}" {
		if err := json.Unmarshal([]byte(extra), &p.Extra); err != nil {
			return nil, fmt.Errorf("プロフィールのextraのデコードに失敗: %w", err)
		}
	}
	return &p, nil
}

func marshalExtra(extra map[string]json.RawMessage) (string, error) {
	if len(extra) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return "", fmt.Errorf("extraのシリアライズに失敗: %w", err)
	}
	return string(b), nil
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
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, rest_id, status, document) VALUES (?, ?, ?, ?)`,
		o.ID, o.RestID, o.Status, string(doc),
	); err != nil {
		return fmt.Errorf("注文の挿入に失敗: %w", err)
	}
	return nil
}

// GetOrder はIDで注文を取得する。
func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM orders WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("注文の取得に失敗: %w", err)
	}
	return decodeOrder(doc)
}

// ListOrdersByOwner はrestIdの注文を挿入の新しい順に返す。
func (s *Store) ListOrdersByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM orders WHERE rest_id = ? ORDER BY seq DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("注文一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("注文の読み取りに失敗: %w", err)
		}
		o, err := decodeOrder(doc)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// DeleteOrder は注文を削除する。
func (s *Store) DeleteOrder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("注文の削除に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func decodeOrder(doc string) (*domain.Order, error) {
	var o domain.Order
	if err := json.Unmarshal([]byte(doc), &o); err != nil {
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
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO accepted_orders (id, original_order_id, rest_id, status, document, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(original_order_id) DO NOTHING`,
		o.ID, o.OriginalOrderID, o.RestID, o.Status, string(doc), s.now().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("アーカイブへの挿入に失敗: %w", err)
	}
	return nil
}

// FindArchivedOrder は元注文IDでアーカイブを取得する。
func (s *Store) FindArchivedOrder(ctx context.Context, originalOrderID string) (*domain.Order, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM accepted_orders WHERE original_order_id = ?`, originalOrderID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("アーカイブの取得に失敗: %w", err)
	}
	return decodeOrder(doc)
}

// UpdateOrderStatus はステータスレコードを更新する。レコードが無い場合は何もしない。
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID, status string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE order_status SET status = ?, updated_at = ? WHERE order_id = ?`,
		status, at.UTC().Format(timeLayout), orderID,
	); err != nil {
		return fmt.Errorf("ステータスの更新に失敗: %w", err)
	}
	return nil
}

// GetOrderStatus はステータスレコードを取得する。
func (s *Store) GetOrderStatus(ctx context.Context, orderID string) (*domain.StatusRecord, error) {
	var (
		rec       domain.StatusRecord
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT order_id, status, updated_at FROM order_status WHERE order_id = ?`, orderID,
	).Scan(&rec.OrderID, &rec.Status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ステータスの取得に失敗: %w", err)
	}
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

// CreateOrderStatus はステータスレコードを作成する。
func (s *Store) CreateOrderStatus(ctx context.Context, rec *domain.StatusRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO order_status (order_id, status, updated_at) VALUES (?, ?, ?)`,
		rec.OrderID, rec.Status, rec.UpdatedAt.UTC().Format(timeLayout),
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
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO accept_journal (id, order_id, step, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		intent.ID, intent.OrderID, intent.Step, string(doc), now.Format(timeLayout), now.Format(timeLayout),
	); err != nil {
		return nil, fmt.Errorf("ジャーナルの記録に失敗: %w", err)
	}
	return intent, nil
}

// AdvanceAccept は完了したステップを記録する。
func (s *Store) AdvanceAccept(ctx context.Context, id, step string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accept_journal SET step = ?, updated_at = ? WHERE id = ?`,
		step, s.now().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("ジャーナルの更新に失敗: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, step, document, created_at, updated_at
		FROM accept_journal WHERE step <> ? ORDER BY created_at, id`, domain.AcceptStepCompleted)
	if err != nil {
		return nil, fmt.Errorf("未完了ジャーナルの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var intents []domain.AcceptIntent
	for rows.Next() {
		var (
			in                   domain.AcceptIntent
			doc, created, update string
		)
		if err := rows.Scan(&in.ID, &in.OrderID, &in.Step, &doc, &created, &update); err != nil {
			return nil, fmt.Errorf("ジャーナルの読み取りに失敗: %w", err)
		}
		if in.Order, err = decodeOrder(doc); err != nil {
			return nil, err
		}
		in.CreatedAt = parseTime(created)
		in.UpdatedAt = parseTime(update)
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
