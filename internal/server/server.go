// Package server はレストランアプリ向けのHTTP APIを提供する。
//
// ハンドラはリクエストを検証してrestaurant.Serviceに委譲し、
// ドメインエラーをHTTPステータスと {success:false, message} のボディに変換する。
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/pkg/middleware"
)

// Service はハンドラが委譲するリクエスト処理。
type Service interface {
	RegisterToken(ctx context.Context, restID, token string) (*domain.RestaurantProfile, error)
	Login(ctx context.Context, email, password string) (*domain.ProfileView, error)
	ListOrders(ctx context.Context, ownerID string, limit int) ([]domain.Order, error)
	AcceptOrder(ctx context.Context, orderID string) error
}

// Config はHTTPサーバーの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret はログイン時に発行するトークンの署名鍵。空の場合はトークンを発行しない。
	JWTSecret string
	// JWTTTL は発行するトークンの有効期間。
	JWTTTL time.Duration
	// RequireAuth がtrueの場合、トークン登録・注文一覧・注文受付にJWTを要求する。
	RequireAuth bool
	// AllowedOrigins はCORSで許可するオリジン。"*" は全て許可。
	AllowedOrigins []string
}

// Server はHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はShutdownのために保持する。
	httpServer *http.Server
	svc        Service
	cfg        Config
}

// New は新しいServerを生成し、ルーティングを設定する。
func New(svc Service, cfg Config) *Server {
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router: router,
		svc:    svc,
		cfg:    cfg,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes()
	return s
}

// Handler はルーティング済みのhttp.Handlerを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、Shutdownされるまでブロックする。
func (s *Server) Run() error {
	log.Printf("[Server] HTTPサーバーを起動: port=%s", s.cfg.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	}
	return nil
}

// Shutdown は処理中のリクエストを待ってサーバーを停止する。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes はAPIルーティングを設定する。
// レストランアプリの既存クライアント向けに、旧パスも同じハンドラに割り当てる。
func (s *Server) setupRoutes() {
	var protected []gin.HandlerFunc
	if s.cfg.RequireAuth {
		protected = append(protected, middleware.JWTAuth(s.cfg.JWTSecret))
	}
	with := func(h gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, protected...), h)
	}

	api := s.router.Group("/api/v1")
	{
		api.POST("/login", s.handleLogin())
		api.POST("/restaurants/token", with(s.handleRegisterToken())...)
		api.GET("/orders", with(s.handleListOrders())...)
		api.POST("/orders/accept", with(s.handleAcceptOrder())...)
	}

	s.router.POST("/login", s.handleLogin())
	s.router.POST("/update-fcm", with(s.handleRegisterToken())...)
	s.router.GET("/orders", with(s.handleListOrders())...)
	s.router.POST("/accept-order", with(s.handleAcceptOrder())...)

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "ordernotify"})
	})
}

// registerTokenRequest はトークン登録のリクエストボディ。
type registerTokenRequest struct {
	RestID        string `json:"restId"`
	DeliveryToken string `json:"deliveryToken"`
	// FCMToken は旧クライアントが送るフィールド名。
	FCMToken string `json:"fcmToken"`
}

func (s *Server) handleRegisterToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "Invalid request body")
			return
		}
		token := req.DeliveryToken
		if token == "" {
			token = req.FCMToken
		}
		if !s.authorizedFor(c, req.RestID) {
			return
		}

		profile, err := s.svc.RegisterToken(c.Request.Context(), req.RestID, token)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": profile})
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "Invalid request body")
			return
		}

		view, err := s.svc.Login(c.Request.Context(), req.Email, req.Password)
		if err != nil {
			respondError(c, err)
			return
		}

		resp := gin.H{"success": true, "user": view}
		if s.cfg.JWTSecret != "" {
			token, err := middleware.GenerateJWT(s.cfg.JWTSecret, view.RestID, view.Email, s.cfg.JWTTTL)
			if err != nil {
				log.Printf("[Server] トークンの発行に失敗: restId=%s, error=%v", view.RestID, err)
				fail(c, http.StatusInternalServerError, "Server error")
				return
			}
			resp["token"] = token
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) handleListOrders() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.Query("ownerId")
		if ownerID == "" {
			ownerID = c.Query("restId")
		}
		if ownerID == "" && s.cfg.RequireAuth {
			ownerID = middleware.GetRestID(c)
		}
		if !s.authorizedFor(c, ownerID) {
			return
		}

		limit := 0
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(c, http.StatusBadRequest, "limit must be a number")
				return
			}
			limit = n
		}

		orders, err := s.svc.ListOrders(c.Request.Context(), ownerID, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		if orders == nil {
			orders = []domain.Order{}
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "orders": orders})
	}
}

type acceptOrderRequest struct {
	OrderID string `json:"orderId"`
}

func (s *Server) handleAcceptOrder() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req acceptOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "Invalid request body")
			return
		}

		if err := s.svc.AcceptOrder(c.Request.Context(), req.OrderID); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Order accepted"})
	}
}

// authorizedFor は認証が有効な場合、トークンのrestIdと対象のrestIdが一致するかを確認する。
// 不一致の場合は403を書き込んでfalseを返す。restIdが空の場合はサービス側の検証に任せる。
func (s *Server) authorizedFor(c *gin.Context, restID string) bool {
	if !s.cfg.RequireAuth || restID == "" {
		return true
	}
	if middleware.GetRestID(c) != restID {
		fail(c, http.StatusForbidden, "Not allowed for this restaurant")
		return false
	}
	return true
}

// statusFor はドメインエラーの分類をHTTPステータスに変換する。
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrStore), errors.Is(err, domain.ErrDelivery):
		return http.StatusInternalServerError
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondError はエラーを失敗レスポンスとして返す。500の場合は原因をログにのみ残す。
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[Server] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	fail(c, status, domain.PublicMessage(err))
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": msg})
}
