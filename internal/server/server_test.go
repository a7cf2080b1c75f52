package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/internal/restaurant"
	"github.com/nao1215/ordernotify/internal/store/sqlite"
	"github.com/nao1215/ordernotify/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "server-test-secret"

// setupTestServer はインメモリSQLiteとrestaurant.Serviceでサーバーを構築する。
func setupTestServer(t *testing.T, cfg Config) (*Server, *sqlite.Store) {
	t.Helper()

	st, err := sqlite.Open(t.Context(), ":memory:")
	if err != nil {
		t.Fatalf("ストアの作成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hash, err := restaurant.HashPassword("secret")
	if err != nil {
		t.Fatalf("HashPassword()でエラーが発生: %v", err)
	}
	if err := st.CreateProfile(t.Context(), &domain.RestaurantProfile{
		RestID:       "R1",
		Email:        "owner@example.com",
		Phone:        "555-0100",
		RestLocation: "Main St",
		PasswordHash: hash,
	}); err != nil {
		t.Fatalf("CreateProfile()でエラーが発生: %v", err)
	}

	cfg.Port = "0"
	return New(restaurant.NewService(st), cfg), st
}

// doJSON はリクエストを実行し、ステータスとJSONボディを返す。
func doJSON(t *testing.T, s *Server, method, path string, body any, header map[string]string) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("リクエストボディのエンコードに失敗: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v (body=%s)", err, w.Body.String())
	}
	return w.Code, got
}

func TestHandleRegisterToken(t *testing.T) {
	t.Parallel()

	t.Run("トークンを登録するとプロフィールが返ること", func(t *testing.T) {
		t.Parallel()
		s, st := setupTestServer(t, Config{})

		code, body := doJSON(t, s, http.MethodPost, "/update-fcm", map[string]string{"restId": "R2", "fcmToken": "tok-legacy"}, nil)
		if code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d (body=%v)", code, http.StatusOK, body)
		}
		if body["success"] != true {
			t.Errorf("success = %v, want true", body["success"])
		}
		p, err := st.FindProfileByRestID(t.Context(), "R2")
		if err != nil {
			t.Fatalf("FindProfileByRestID()でエラーが発生: %v", err)
		}
		if p.DeliveryToken != "tok-legacy" {
			t.Errorf("DeliveryToken = %q, want %q", p.DeliveryToken, "tok-legacy")
		}

		code, _ = doJSON(t, s, http.MethodPost, "/api/v1/restaurants/token", map[string]string{"restId": "R2", "deliveryToken": "tok-new"}, nil)
		if code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", code, http.StatusOK)
		}
		p, _ = st.FindProfileByRestID(t.Context(), "R2")
		if p.DeliveryToken != "tok-new" {
			t.Errorf("DeliveryToken = %q, want %q", p.DeliveryToken, "tok-new")
		}
	})

	t.Run("restIdが無い場合は400が返ること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, Config{})

		code, body := doJSON(t, s, http.MethodPost, "/update-fcm", map[string]string{"deliveryToken": "tok"}, nil)
		if code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", code, http.StatusBadRequest)
		}
		if body["success"] != false || body["message"] != "Missing restId or deliveryToken" {
			t.Errorf("body = %v", body)
		}
	})
}

func TestHandleLogin(t *testing.T) {
	t.Parallel()

	t.Run("正しい認証情報でプロフィールとトークンが返ること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, Config{JWTSecret: testSecret, JWTTTL: time.Hour})

		code, body := doJSON(t, s, http.MethodPost, "/api/v1/login", map[string]string{"email": "owner@example.com", "password": "secret"}, nil)
		if code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d (body=%v)", code, http.StatusOK, body)
		}
		user, ok := body["user"].(map[string]any)
		if !ok {
			t.Fatalf("user = %v", body["user"])
		}
		if user["restId"] != "R1" || user["restLocation"] != "Main St" || user["phone"] != "555-0100" {
			t.Errorf("user = %v", user)
		}
		if _, leaked := user["password"]; leaked {
			t.Error("レスポンスにpasswordが含まれている")
		}
		if tok, _ := body["token"].(string); tok == "" {
			t.Error("tokenが空")
		}
	})

	t.Run("シークレット未設定の場合はトークンを返さないこと", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, Config{})

		code, body := doJSON(t, s, http.MethodPost, "/login", map[string]string{"email": "owner@example.com", "password": "secret"}, nil)
		if code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", code, http.StatusOK)
		}
		if _, ok := body["token"]; ok {
			t.Errorf("token = %v, want absent", body["token"])
		}
	})

	tests := []struct {
		name     string
		email    string
		password string
		wantCode int
		wantMsg  string
	}{
		{name: "パスワードが違う", email: "owner@example.com", password: "wrong", wantCode: http.StatusUnauthorized, wantMsg: "Invalid email or password"},
		{name: "メールアドレスが存在しない", email: "nobody@example.com", password: "secret", wantCode: http.StatusUnauthorized, wantMsg: "Invalid email or password"},
		{name: "パスワードが空", email: "owner@example.com", password: "", wantCode: http.StatusBadRequest, wantMsg: "Email and password are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name+"場合は失敗すること", func(t *testing.T) {
			t.Parallel()
			s, _ := setupTestServer(t, Config{})

			code, body := doJSON(t, s, http.MethodPost, "/api/v1/login", map[string]string{"email": tt.email, "password": tt.password}, nil)
			if code != tt.wantCode {
				t.Errorf("ステータスコード = %d, want %d", code, tt.wantCode)
			}
			if body["message"] != tt.wantMsg {
				t.Errorf("message = %v, want %q", body["message"], tt.wantMsg)
			}
		})
	}
}

func TestHandleListOrders(t *testing.T) {
	t.Parallel()

	t.Run("所有者の注文のみが返ること", func(t *testing.T) {
		t.Parallel()
		s, st := setupTestServer(t, Config{})
		for _, o := range []domain.Order{
			{RestID: "R1", Status: domain.StatusPlaced},
			{RestID: "R1", Status: domain.StatusPlaced},
			{RestID: "R9", Status: domain.StatusPlaced},
		} {
			if err := st.InsertOrder(t.Context(), &o); err != nil {
				t.Fatalf("InsertOrder()でエラーが発生: %v", err)
			}
		}

		code, body := doJSON(t, s, http.MethodGet, "/api/v1/orders?ownerId=R1", nil, nil)
		if code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", code, http.StatusOK)
		}
		orders, _ := body["orders"].([]any)
		if len(orders) != 2 {
			t.Errorf("注文数 = %d, want 2", len(orders))
		}

		_, body = doJSON(t, s, http.MethodGet, "/orders?restId=R1&limit=1", nil, nil)
		if orders, _ := body["orders"].([]any); len(orders) != 1 {
			t.Errorf("limit=1の注文数 = %d, want 1", len(orders))
		}

		_, body = doJSON(t, s, http.MethodGet, "/orders?ownerId=R5", nil, nil)
		if orders, ok := body["orders"].([]any); !ok || len(orders) != 0 {
			t.Errorf("orders = %v, want []", body["orders"])
		}
	})

	t.Run("不正な入力は400が返ること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, Config{})

		if code, _ := doJSON(t, s, http.MethodGet, "/api/v1/orders", nil, nil); code != http.StatusBadRequest {
			t.Errorf("ownerId無しのステータスコード = %d, want %d", code, http.StatusBadRequest)
		}
		if code, _ := doJSON(t, s, http.MethodGet, "/api/v1/orders?ownerId=R1&limit=abc", nil, nil); code != http.StatusBadRequest {
			t.Errorf("limit不正のステータスコード = %d, want %d", code, http.StatusBadRequest)
		}
	})
}

func TestHandleAcceptOrder(t *testing.T) {
	t.Parallel()

	t.Run("注文を受け付けるとアーカイブされ元の注文が消えること", func(t *testing.T) {
		t.Parallel()
		s, st := setupTestServer(t, Config{})
		if err := st.InsertOrder(t.Context(), &domain.Order{ID: "O1", RestID: "R1", Status: domain.StatusPlaced}); err != nil {
			t.Fatalf("InsertOrder()でエラーが発生: %v", err)
		}

		code, body := doJSON(t, s, http.MethodPost, "/accept-order", map[string]string{"orderId": "O1"}, nil)
		if code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d (body=%v)", code, http.StatusOK, body)
		}
		if _, err := st.GetOrder(t.Context(), "O1"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("GetOrder() err = %v, want ErrNotFound", err)
		}
		archived, err := st.FindArchivedOrder(t.Context(), "O1")
		if err != nil {
			t.Fatalf("FindArchivedOrder()でエラーが発生: %v", err)
		}
		if archived.Status != domain.StatusAccepted {
			t.Errorf("Status = %q, want %q", archived.Status, domain.StatusAccepted)
		}
	})

	t.Run("存在しない注文は404が返ること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, Config{})

		code, body := doJSON(t, s, http.MethodPost, "/api/v1/orders/accept", map[string]string{"orderId": "missing"}, nil)
		if code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d, want %d", code, http.StatusNotFound)
		}
		if body["message"] != "Order not found" {
			t.Errorf("message = %v", body["message"])
		}
	})

	t.Run("不正なJSONは400が返ること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, Config{})

		req := httptest.NewRequest(http.MethodPost, "/accept-order", bytes.NewBufferString("{"))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// failingService はストア障害を返すService。
type failingService struct{}

func (failingService) RegisterToken(context.Context, string, string) (*domain.RestaurantProfile, error) {
	return nil, domain.Store("register-token", errors.New("dial tcp: connection refused"))
}

func (failingService) Login(context.Context, string, string) (*domain.ProfileView, error) {
	return nil, domain.Store("login", errors.New("dial tcp: connection refused"))
}

func (failingService) ListOrders(context.Context, string, int) ([]domain.Order, error) {
	return nil, domain.Store("list-orders", domain.ErrNotFound)
}

func (failingService) AcceptOrder(context.Context, string) error {
	panic("unexpected")
}

func TestStoreFailure(t *testing.T) {
	t.Parallel()

	s := New(failingService{}, Config{Port: "0"})

	t.Run("ストア障害は500で原因を返さないこと", func(t *testing.T) {
		t.Parallel()
		code, body := doJSON(t, s, http.MethodPost, "/login", map[string]string{"email": "a", "password": "b"}, nil)
		if code != http.StatusInternalServerError {
			t.Errorf("ステータスコード = %d, want %d", code, http.StatusInternalServerError)
		}
		if body["message"] != "Server error" {
			t.Errorf("message = %v, want %q", body["message"], "Server error")
		}
	})

	t.Run("原因がNotFoundでもストア障害は500になること", func(t *testing.T) {
		t.Parallel()
		code, _ := doJSON(t, s, http.MethodGet, "/orders?ownerId=R1", nil, nil)
		if code != http.StatusInternalServerError {
			t.Errorf("ステータスコード = %d, want %d", code, http.StatusInternalServerError)
		}
	})

	t.Run("ハンドラのパニックは500になること", func(t *testing.T) {
		t.Parallel()
		code, body := doJSON(t, s, http.MethodPost, "/accept-order", map[string]string{"orderId": "O1"}, nil)
		if code != http.StatusInternalServerError || body["success"] != false {
			t.Errorf("code = %d, body = %v", code, body)
		}
	})
}

func TestRequireAuth(t *testing.T) {
	t.Parallel()

	cfg := Config{JWTSecret: testSecret, JWTTTL: time.Hour, RequireAuth: true}

	t.Run("トークン無しは401になること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, cfg)

		code, _ := doJSON(t, s, http.MethodGet, "/api/v1/orders?ownerId=R1", nil, nil)
		if code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", code, http.StatusUnauthorized)
		}
	})

	t.Run("他のレストランの注文は403になること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, cfg)
		tok, err := middleware.GenerateJWT(testSecret, "R1", "", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		auth := map[string]string{"Authorization": "Bearer " + tok}

		code, _ := doJSON(t, s, http.MethodGet, "/api/v1/orders?ownerId=R2", nil, auth)
		if code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", code, http.StatusForbidden)
		}
		code, _ = doJSON(t, s, http.MethodGet, "/api/v1/orders", nil, auth)
		if code != http.StatusOK {
			t.Errorf("ownerId省略時のステータスコード = %d, want %d", code, http.StatusOK)
		}
	})

	t.Run("ログインは認証無しで利用できること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, cfg)

		code, _ := doJSON(t, s, http.MethodPost, "/login", map[string]string{"email": "owner@example.com", "password": "secret"}, nil)
		if code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", code, http.StatusOK)
		}
	})
}

func TestHealth(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t, Config{})
	code, body := doJSON(t, s, http.MethodGet, "/health", nil, nil)
	if code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("code = %d, body = %v", code, body)
	}
}
