package domain

import (
	"errors"
	"fmt"
)

// エラー分類。errors.Is で判定する。
var (
	// ErrValidation は必須フィールドの欠落などクライアント側で修正可能なエラー。
	ErrValidation = errors.New("validation error")
	// ErrNotFound は参照先のエンティティが存在しないことを表す。
	ErrNotFound = errors.New("not found")
	// ErrAuth は認証情報の不一致を表す。
	ErrAuth = errors.New("authentication failed")
	// ErrStore はストアI/Oの失敗を表す。呼び出し元には詳細を返さない。
	ErrStore = errors.New("store error")
	// ErrDelivery はプッシュ配信プロバイダの失敗を表す。ログにのみ記録する。
	ErrDelivery = errors.New("delivery error")
)

// Error は操作名・分類・利用者向けメッセージ・原因をまとめたエラー。
type Error struct {
	// Op は失敗した操作名（例: "accept-order"）。
	Op string
	// Kind は上記の分類エラーのいずれか。
	Kind error
	// Msg はAPIレスポンスにそのまま載せてよいメッセージ。
	Msg string
	// Err は下位の原因。nilの場合もある。
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

// Unwrap は分類と原因の両方を返す。errors.Is はどちらにも一致する。
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Validation はValidationErrorを生成する。
func Validation(op, msg string) error {
	return &Error{Op: op, Kind: ErrValidation, Msg: msg}
}

// NotFound はNotFoundErrorを生成する。
func NotFound(op, msg string) error {
	return &Error{Op: op, Kind: ErrNotFound, Msg: msg}
}

// Auth はAuthErrorを生成する。
func Auth(op, msg string) error {
	return &Error{Op: op, Kind: ErrAuth, Msg: msg}
}

// Store はStoreErrorを生成する。
func Store(op string, err error) error {
	return &Error{Op: op, Kind: ErrStore, Msg: "Server error", Err: err}
}

// Delivery はDeliveryErrorを生成する。
func Delivery(op string, err error) error {
	return &Error{Op: op, Kind: ErrDelivery, Msg: "delivery failed", Err: err}
}

// PublicMessage はAPIレスポンスに載せるメッセージを返す。
// StoreErrorや分類不明のエラーは原因を隠して "Server error" とする。
func PublicMessage(err error) string {
	var de *Error
	if errors.As(err, &de) && !errors.Is(err, ErrStore) && !errors.Is(err, ErrDelivery) {
		return de.Msg
	}
	return "Server error"
}
