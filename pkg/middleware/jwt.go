package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Issuer はこのサービスが発行するトークンのiss。
const Issuer = "ordernotify"

// DefaultTokenTTL はttl未指定時のトークン有効期間。
const DefaultTokenTTL = 24 * time.Hour

// contextKeyRestID はGinコンテキストにレストランIDを格納するキー。
const contextKeyRestID = "restId"

// RestaurantClaims はログイン済みレストランのトークンのクレーム。
type RestaurantClaims struct {
	jwt.RegisteredClaims
	// RestID はトークンの持ち主のレストランID。
	RestID string `json:"restId"`
	Email  string `json:"email,omitempty"`
}

// GenerateJWT はログインしたレストランのトークンを生成する。ttlが0以下の場合はDefaultTokenTTL。
func GenerateJWT(secret, restID, email string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("JWTシークレットが空です")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := RestaurantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   restID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
		RestID: restID,
		Email:  email,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth はBearerトークンを検証し、コンテキストにrestIdを設定するGinミドルウェアを返す。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || tokenString == "" {
			abortUnauthorized(c, "Authorization token is required")
			return
		}

		claims := &RestaurantClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(Issuer),
		)
		if err != nil || !token.Valid || claims.RestID == "" {
			abortUnauthorized(c, "Invalid token")
			return
		}

		c.Set(contextKeyRestID, claims.RestID)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"message": msg,
	})
}

// GetRestID はJWTAuthが設定したレストランIDを返す。未認証の場合は空文字列。
func GetRestID(c *gin.Context) string {
	v, _ := c.Get(contextKeyRestID)
	if id, ok := v.(string); ok {
		return id
	}
	return ""
}
