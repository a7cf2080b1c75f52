package domain

import (
	"errors"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")

	tests := []struct {
		name    string
		err     error
		kind    error
		message string
	}{
		{"ValidationErrorはメッセージを公開する", Validation("register-token", "Missing restId"), ErrValidation, "Missing restId"},
		{"NotFoundErrorはメッセージを公開する", NotFound("accept-order", "Order not found"), ErrNotFound, "Order not found"},
		{"AuthErrorはメッセージを公開する", Auth("login", "Invalid credentials"), ErrAuth, "Invalid credentials"},
		{"StoreErrorは原因を隠す", Store("list-orders", cause), ErrStore, "Server error"},
		{"分類なしのエラーは原因を隠す", cause, nil, "Server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.kind != nil && !errors.Is(tt.err, tt.kind) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.kind)
			}
			if got := PublicMessage(tt.err); got != tt.message {
				t.Errorf("PublicMessage: got %q, want %q", got, tt.message)
			}
		})
	}

	t.Run("原因にもerrors.Isで到達できる", func(t *testing.T) {
		t.Parallel()
		err := Store("accept-order", cause)
		if !errors.Is(err, cause) {
			t.Error("原因に到達できない")
		}
	})
}
