// Package middleware はレストラン向けHTTP APIのGinミドルウェアを提供する。
//
// ログイン時に発行するJWTの生成と検証、CORS、パニックリカバリを含む。
package middleware
