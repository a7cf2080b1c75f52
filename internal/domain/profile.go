package domain

import "encoding/json"

// RestaurantProfile はレストランの識別レコード。
type RestaurantProfile struct {
	// ID はストア内部の識別子。
	ID string `json:"_id,omitempty"`
	// RestID は外部から参照される安定したレストランID。一意。
	RestID string `json:"restId"`
	// Email はログインに使用するメールアドレス。
	Email string `json:"email,omitempty"`
	// Phone はレストランの電話番号。
	Phone string `json:"phone,omitempty"`
	// RestLocation はレストランの所在地。
	RestLocation string `json:"restLocation,omitempty"`
	// DeliveryToken はプッシュ配信先トークン。未登録の場合は空文字。
	DeliveryToken string `json:"deliveryToken,omitempty"`
	// PasswordHash はbcryptでハッシュ化したパスワード。JSONには出力しない。
	PasswordHash string `json:"-"`
	// Extra はプロフィール管理側が持つその他のフィールド。
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// HasDeliveryToken は配信先トークンが登録済みかを返す。
func (p *RestaurantProfile) HasDeliveryToken() bool {
	return p != nil && p.DeliveryToken != ""
}

// View はログイン応答用の最小限の射影を返す。パスワードは含まない。
func (p *RestaurantProfile) View() ProfileView {
	return ProfileView{
		RestID:       p.RestID,
		RestLocation: p.RestLocation,
		Email:        p.Email,
		Phone:        p.Phone,
		ID:           p.ID,
	}
}

// ProfileView はログイン成功時に返すプロフィールの射影。
type ProfileView struct {
	RestID       string `json:"restId"`
	RestLocation string `json:"restLocation"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	ID           string `json:"id"`
}
