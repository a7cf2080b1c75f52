package restaurant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/internal/store/sqlite"
)

// setupTestStore はインメモリSQLiteのストアを構築する。
func setupTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	s, err := sqlite.Open(t.Context(), ":memory:")
	if err != nil {
		t.Fatalf("ストアの作成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// flakyStore は指定した操作を1回だけ失敗させる。
type flakyStore struct {
	*sqlite.Store
	failDelete bool
	failGet    bool
}

func (f *flakyStore) DeleteOrder(ctx context.Context, id string) error {
	if f.failDelete {
		f.failDelete = false
		return errors.New("connection reset")
	}
	return f.Store.DeleteOrder(ctx, id)
}

func (f *flakyStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	if f.failGet {
		return nil, errors.New("connection reset")
	}
	return f.Store.GetOrder(ctx, id)
}

func TestRegisterToken(t *testing.T) {
	t.Parallel()

	t.Run("同じrestIdで2回登録すると最新のトークンのプロフィールが1件残ること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		svc := NewService(s)

		if _, err := svc.RegisterToken(t.Context(), "R1", "tokA"); err != nil {
			t.Fatalf("RegisterToken()でエラーが発生: %v", err)
		}
		p, err := svc.RegisterToken(t.Context(), "R1", "tokB")
		if err != nil {
			t.Fatalf("RegisterToken()でエラーが発生: %v", err)
		}
		if p.RestID != "R1" || p.DeliveryToken != "tokB" {
			t.Errorf("プロフィール = %+v", p)
		}
	})

	t.Run("必須項目が欠けている場合はValidationErrorになること", func(t *testing.T) {
		t.Parallel()
		svc := NewService(setupTestStore(t))

		for _, tc := range [][2]string{{"", "tok"}, {"R1", ""}} {
			_, err := svc.RegisterToken(t.Context(), tc[0], tc[1])
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("RegisterToken(%q, %q): err = %v, want ErrValidation", tc[0], tc[1], err)
			}
		}
	})
}

func TestLogin(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	hash, err := HashPassword("pw")
	if err != nil {
		t.Fatalf("HashPassword()でエラーが発生: %v", err)
	}
	if err := s.CreateProfile(t.Context(), &domain.RestaurantProfile{
		RestID:       "R1",
		Email:        "a@x.io",
		Phone:        "0123",
		RestLocation: "Tokyo",
		PasswordHash: hash,
	}); err != nil {
		t.Fatalf("CreateProfile()でエラーが発生: %v", err)
	}
	svc := NewService(s)

	t.Run("正しいパスワードでプロフィールの射影が返ること", func(t *testing.T) {
		t.Parallel()

		view, err := svc.Login(t.Context(), "a@x.io", "pw")
		if err != nil {
			t.Fatalf("Login()でエラーが発生: %v", err)
		}
		if view.RestID != "R1" || view.Email != "a@x.io" || view.RestLocation != "Tokyo" || view.ID == "" {
			t.Errorf("view = %+v", view)
		}
	})

	t.Run("パスワード不一致と未登録のメールはAuthErrorになること", func(t *testing.T) {
		t.Parallel()

		if _, err := svc.Login(t.Context(), "a@x.io", "wrong"); !errors.Is(err, domain.ErrAuth) {
			t.Errorf("パスワード不一致: err = %v, want ErrAuth", err)
		}
		if _, err := svc.Login(t.Context(), "nobody@x.io", "pw"); !errors.Is(err, domain.ErrAuth) {
			t.Errorf("未登録: err = %v, want ErrAuth", err)
		}
	})

	t.Run("ハッシュではなく平文のパスワードでは認証されないこと", func(t *testing.T) {
		t.Parallel()

		if _, err := svc.Login(t.Context(), "a@x.io", hash); !errors.Is(err, domain.ErrAuth) {
			t.Errorf("err = %v, want ErrAuth", err)
		}
	})

	t.Run("必須項目が欠けている場合はValidationErrorになること", func(t *testing.T) {
		t.Parallel()

		if _, err := svc.Login(t.Context(), "", "pw"); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
	})
}

func TestListOrders(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	for i := range 3 {
		if err := s.InsertOrder(t.Context(), &domain.Order{RestID: "R1", Status: domain.StatusPlaced}); err != nil {
			t.Fatalf("%d件目のInsertOrder()でエラーが発生: %v", i+1, err)
		}
	}
	svc := NewService(s)

	t.Run("limit未指定の場合は既定値で全件返ること", func(t *testing.T) {
		t.Parallel()

		orders, err := svc.ListOrders(t.Context(), "R1", 0)
		if err != nil {
			t.Fatalf("ListOrders()でエラーが発生: %v", err)
		}
		if len(orders) != 3 {
			t.Errorf("件数 = %d, want 3", len(orders))
		}
		if orders[0].ID < orders[1].ID || orders[1].ID < orders[2].ID {
			t.Errorf("新しい順になっていない: %s, %s, %s", orders[0].ID, orders[1].ID, orders[2].ID)
		}
	})

	t.Run("limitで件数を制限できること", func(t *testing.T) {
		t.Parallel()

		orders, err := svc.ListOrders(t.Context(), "R1", 1)
		if err != nil {
			t.Fatalf("ListOrders()でエラーが発生: %v", err)
		}
		if len(orders) != 1 {
			t.Errorf("件数 = %d, want 1", len(orders))
		}
	})

	t.Run("ownerIdが空の場合はValidationErrorになること", func(t *testing.T) {
		t.Parallel()

		if _, err := svc.ListOrders(t.Context(), "", 10); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
	})
}

func TestAcceptOrder(t *testing.T) {
	t.Parallel()

	t.Run("受付後は元注文が消えアーカイブとステータスが更新されること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		ctx := t.Context()

		if err := s.InsertOrder(ctx, &domain.Order{ID: "A1", RestID: "R1", Status: domain.StatusPlaced}); err != nil {
			t.Fatalf("InsertOrder()でエラーが発生: %v", err)
		}
		if err := s.CreateOrderStatus(ctx, &domain.StatusRecord{OrderID: "A1", Status: domain.StatusPlaced}); err != nil {
			t.Fatalf("CreateOrderStatus()でエラーが発生: %v", err)
		}

		if err := NewService(s).AcceptOrder(ctx, "A1"); err != nil {
			t.Fatalf("AcceptOrder()でエラーが発生: %v", err)
		}

		if _, err := s.GetOrder(ctx, "A1"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("元注文が残っている: err = %v", err)
		}
		archived, err := s.FindArchivedOrder(ctx, "A1")
		if err != nil {
			t.Fatalf("FindArchivedOrder()でエラーが発生: %v", err)
		}
		if archived.Status != "Accepted" || archived.OriginalOrderID != "A1" || archived.RestID != "R1" {
			t.Errorf("アーカイブ = %+v", archived)
		}
		rec, err := s.GetOrderStatus(ctx, "A1")
		if err != nil {
			t.Fatalf("GetOrderStatus()でエラーが発生: %v", err)
		}
		if rec.Status != "waiting for deliveryboy" {
			t.Errorf("Status = %q", rec.Status)
		}
		pending, err := s.ListPendingAccepts(ctx)
		if err != nil {
			t.Fatalf("ListPendingAccepts()でエラーが発生: %v", err)
		}
		if len(pending) != 0 {
			t.Errorf("未完了ジャーナル = %d件, want 0", len(pending))
		}
	})

	t.Run("存在しない注文はNotFoundErrorでストアを変更しないこと", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		ctx := t.Context()

		err := NewService(s).AcceptOrder(ctx, "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
		if _, err := s.FindArchivedOrder(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("アーカイブが作成された: err = %v", err)
		}
		if pending, _ := s.ListPendingAccepts(ctx); len(pending) != 0 {
			t.Errorf("ジャーナルが作成された: %d件", len(pending))
		}
	})

	t.Run("ストアの障害はStoreErrorになること", func(t *testing.T) {
		t.Parallel()

		err := NewService(&flakyStore{Store: setupTestStore(t), failGet: true}).AcceptOrder(t.Context(), "A1")
		if !errors.Is(err, domain.ErrStore) {
			t.Errorf("err = %v, want ErrStore", err)
		}
		if domain.PublicMessage(err) != "Server error" {
			t.Errorf("PublicMessage = %q", domain.PublicMessage(err))
		}
	})

	t.Run("orderIdが空の場合はValidationErrorになること", func(t *testing.T) {
		t.Parallel()

		if err := NewService(setupTestStore(t)).AcceptOrder(t.Context(), ""); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
	})
}

func TestRecoverPendingAccepts(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	ctx := t.Context()
	flaky := &flakyStore{Store: s, failDelete: true}
	svc := NewService(flaky)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	if err := s.InsertOrder(ctx, &domain.Order{ID: "A1", RestID: "R1"}); err != nil {
		t.Fatalf("InsertOrder()でエラーが発生: %v", err)
	}
	if err := s.CreateOrderStatus(ctx, &domain.StatusRecord{OrderID: "A1", Status: domain.StatusPlaced}); err != nil {
		t.Fatalf("CreateOrderStatus()でエラーが発生: %v", err)
	}

	// 削除ステップで失敗させ、途中状態を作る
	if err := svc.AcceptOrder(ctx, "A1"); !errors.Is(err, domain.ErrStore) {
		t.Fatalf("err = %v, want ErrStore", err)
	}
	pending, err := s.ListPendingAccepts(ctx)
	if err != nil {
		t.Fatalf("ListPendingAccepts()でエラーが発生: %v", err)
	}
	if len(pending) != 1 || pending[0].Step != domain.AcceptStepStatusUpdated {
		t.Fatalf("未完了ジャーナル = %+v, want status_updatedの1件", pending)
	}
	if _, err := s.GetOrder(ctx, "A1"); err != nil {
		t.Fatalf("削除失敗後に元注文が失われた: %v", err)
	}

	n, err := svc.RecoverPendingAccepts(ctx)
	if err != nil {
		t.Fatalf("RecoverPendingAccepts()でエラーが発生: %v", err)
	}
	if n != 1 {
		t.Errorf("再開件数 = %d, want 1", n)
	}
	if _, err := s.GetOrder(ctx, "A1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("元注文が残っている: err = %v", err)
	}

	if _, err := s.FindArchivedOrder(ctx, "A1"); err != nil {
		t.Errorf("アーカイブが見つからない: %v", err)
	}
	rec, err := s.GetOrderStatus(ctx, "A1")
	if err != nil {
		t.Fatalf("GetOrderStatus()でエラーが発生: %v", err)
	}
	if !rec.UpdatedAt.Equal(svc.now()) {
		t.Errorf("UpdatedAt = %v, want %v", rec.UpdatedAt, svc.now())
	}
	if pending, _ := s.ListPendingAccepts(ctx); len(pending) != 0 {
		t.Errorf("再開後の未完了ジャーナル = %d件, want 0", len(pending))
	}
}
