// Package restaurant はレストランアプリからのリクエスト処理を提供する。
//
// 配信先トークンの登録、ログイン、注文一覧、注文の受付を扱う。
// いずれもストアを直接読み書きし、リスナーとは連携しない。
package restaurant

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/internal/store"
)

// 注文一覧の件数。
const (
	// DefaultListLimit はlimit未指定時の件数。
	DefaultListLimit = 50
	// MaxListLimit はlimitの上限。
	MaxListLimit = 200
)

// Store はリクエスト処理が使用するストア操作。
type Store interface {
	store.DirectoryStore
	store.ArchiveStore
	store.AcceptJournal

	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrdersByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Order, error)
	DeleteOrder(ctx context.Context, id string) error
}

// Service はレストラン向けのリクエスト処理。
type Service struct {
	store Store
	now   func() time.Time
}

// NewService は新しいServiceを生成する。
func NewService(s Store) *Service {
	return &Service{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// RegisterToken はrestIdに配信先トークンを登録し、登録後のプロフィールを返す。
func (s *Service) RegisterToken(ctx context.Context, restID, token string) (*domain.RestaurantProfile, error) {
	if restID == "" || token == "" {
		return nil, domain.Validation("register-token", "Missing restId or deliveryToken")
	}
	p, err := s.store.UpsertDeliveryToken(ctx, restID, token)
	if err != nil {
		return nil, domain.Store("register-token", err)
	}
	return p, nil
}

// Login はメールアドレスとパスワードでレストランを認証する。
func (s *Service) Login(ctx context.Context, email, password string) (*domain.ProfileView, error) {
	if email == "" || password == "" {
		return nil, domain.Validation("login", "Email and password are required")
	}
	p, err := s.store.FindProfileByEmail(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Auth("login", "Invalid email or password")
	}
	if err != nil {
		return nil, domain.Store("login", err)
	}
	if p.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)) != nil {
		return nil, domain.Auth("login", "Invalid email or password")
	}
	view := p.View()
	return &view, nil
}

// HashPassword はログイン用のパスワードハッシュを生成する。
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ListOrders は所有者の注文を新しい順に返す。limitが0以下の場合は既定値を使う。
func (s *Service) ListOrders(ctx context.Context, ownerID string, limit int) ([]domain.Order, error) {
	if ownerID == "" {
		return nil, domain.Validation("list-orders", "ownerId is required")
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	orders, err := s.store.ListOrdersByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, domain.Store("list-orders", err)
	}
	return orders, nil
}
