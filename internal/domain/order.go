package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// 注文ステータス。
const (
	// StatusPlaced は注文が作成され、レストランの対応待ちであることを表す。
	StatusPlaced = "placed"
	// StatusAccepted は受付済みとしてアーカイブされた注文のステータス。
	StatusAccepted = "Accepted"
	// StatusWaitingForDeliveryBoy は受付後のステータスレコードの値。
	StatusWaitingForDeliveryBoy = "waiting for deliveryboy"
)

// 注文ドキュメントのJSONフィールド名。
const (
	fieldID              = "_id"
	fieldRestID          = "restId"
	fieldStatus          = "status"
	fieldItems           = "items"
	fieldOriginalOrderID = "originalOrderId"
)

// Order はレストランの対応を待つ注文ドキュメント。
// 既知フィールド以外はExtraにそのまま保持し、書き戻し時に復元する。
type Order struct {
	// ID はストアが採番する一意かつ順序付け可能な識別子。
	ID string
	// RestID は注文先レストランのrestId。通知ルーティングの正規フィールド。
	RestID string
	// Status は注文ステータス。
	Status string
	// Items は明細の並び。要素の構造は解釈しない。
	Items []json.RawMessage
	// OriginalOrderID はアーカイブされた注文の元注文ID。
	OriginalOrderID string
	// Extra は上記以外のフィールド。
	Extra map[string]json.RawMessage
}

// MarshalJSON はExtraと既知フィールドを1つのオブジェクトにまとめる。
func (o Order) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(o.Extra)+5)
	for k, v := range o.Extra {
		m[k] = v
	}
	if o.ID != "" {
		m[fieldID] = o.ID
	}
	if o.RestID != "" {
		m[fieldRestID] = o.RestID
	}
	if o.Status != "" {
		m[fieldStatus] = o.Status
	}
	if o.Items != nil {
		m[fieldItems] = o.Items
	}
	if o.OriginalOrderID != "" {
		m[fieldOriginalOrderID] = o.OriginalOrderID
	}
	return json.Marshal(m)
}

// UnmarshalJSON は既知フィールドを取り出し、残りをExtraに入れる。
func (o *Order) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("注文ドキュメントのデコードに失敗: %w", err)
	}

	*o = Order{
		ID:              takeString(m, fieldID),
		RestID:          takeString(m, fieldRestID),
		Status:          takeString(m, fieldStatus),
		OriginalOrderID: takeString(m, fieldOriginalOrderID),
	}
	if raw, ok := m[fieldItems]; ok {
		delete(m, fieldItems)
		if !isNull(raw) {
			if err := json.Unmarshal(raw, &o.Items); err != nil {
				return fmt.Errorf("itemsのデコードに失敗: %w", err)
			}
		}
	}
	if len(m) > 0 {
		o.Extra = m
	}
	return nil
}

// Clone はItemsとExtraを複製した注文を返す。
func (o *Order) Clone() *Order {
	c := *o
	if o.Items != nil {
		c.Items = append([]json.RawMessage(nil), o.Items...)
	}
	if o.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(o.Extra))
		for k, v := range o.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// Archived はアーカイブ用の注文を返す。IDは空にし、ストアに再採番させる。
func (o *Order) Archived() *Order {
	a := o.Clone()
	a.OriginalOrderID = o.ID
	a.ID = ""
	a.Status = StatusAccepted
	return a
}

// ShortOrderRef は注文IDの末尾4文字を返す。4文字未満の場合はID全体を返す。
func ShortOrderRef(id string) string {
	r := []rune(id)
	if len(r) <= 4 {
		return id
	}
	return string(r[len(r)-4:])
}

// StatusRecord は注文IDをキーとする非正規化されたステータス。
type StatusRecord struct {
	OrderID   string    `json:"orderId"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// 受付処理のジャーナルステップ。
const (
	// AcceptStepPending は意図を記録しただけの状態。
	AcceptStepPending = "pending"
	// AcceptStepArchived はアーカイブへのコピーが完了した状態。
	AcceptStepArchived = "archived"
	// AcceptStepStatusUpdated はステータスレコードの更新が完了した状態。
	AcceptStepStatusUpdated = "status_updated"
	// AcceptStepCompleted は元注文の削除まで完了した状態。
	AcceptStepCompleted = "completed"
)

// AcceptIntent は受付処理（コピー→ステータス更新→削除）の途中経過を表すジャーナル。
// クラッシュ後に未完了のものを検出して再開するために使用する。
type AcceptIntent struct {
	ID        string
	OrderID   string
	Step      string
	Order     *Order
	CreatedAt time.Time
	UpdatedAt time.Time
}

// takeString はキーを取り除きつつ文字列値を返す。
// 数値IDなど文字列以外の値はJSON表記をそのまま使う。
func takeString(m map[string]json.RawMessage, key string) string {
	raw, ok := m[key]
	if !ok {
		return ""
	}
	delete(m, key)
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return string(bytes.TrimSpace(raw))
	}
	return s
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
