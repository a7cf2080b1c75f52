package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/nao1215/ordernotify/internal/domain"
)

// プロフィールドキュメントのフィールド名。既存アプリのデータと互換にする。
const (
	fieldID           = "_id"
	fieldRestID       = "restId"
	fieldEmail        = "email"
	fieldPhone        = "phone"
	fieldRestLocation = "restLocation"
	fieldToken        = "fcmToken"
	fieldPassword     = "password"
)

// normalize はBSON由来の値をJSONに変換できる素朴な値に置き換える。
// ObjectIDは16進文字列、日時はtime.Timeになる。
func normalize(v any) any {
	switch x := v.(type) {
	case primitive.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case primitive.M:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[k] = normalize(val)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[k] = normalize(val)
		}
		return m
	case primitive.A:
		a := make([]any, len(x))
		for i, val := range x {
			a[i] = normalize(val)
		}
		return a
	case []any:
		a := make([]any, len(x))
		for i, val := range x {
			a[i] = normalize(val)
		}
		return a
	case primitive.ObjectID:
		return x.Hex()
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(x.T), 0).UTC()
	case primitive.Decimal128:
		return x.String()
	case primitive.Null, primitive.Undefined:
		return nil
	default:
		return v
	}
}

// docToJSON はBSONドキュメントをJSONに変換する。
func docToJSON(doc bson.M) (json.RawMessage, error) {
	b, err := json.Marshal(normalize(doc))
	if err != nil {
		return nil, fmt.Errorf("ドキュメントのJSON変換に失敗: %w", err)
	}
	return b, nil
}

// orderFromDoc はBSONドキュメントを注文に変換する。
func orderFromDoc(doc bson.M) (*domain.Order, error) {
	b, err := docToJSON(doc)
	if err != nil {
		return nil, err
	}
	var o domain.Order
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// orderToDoc は注文をBSONドキュメントに変換する。
// ObjectIDとして解釈できるIDはObjectIDのまま保存する。
func orderToDoc(o *domain.Order) (bson.M, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("注文のシリアライズに失敗: %w", err)
	}
	var doc bson.M
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("注文のBSON変換に失敗: %w", err)
	}
	if o.ID != "" {
		doc[fieldID] = idValue(o.ID)
	}
	return doc, nil
}

// idValue はObjectIDの16進表現ならObjectIDを、それ以外は文字列を返す。
func idValue(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

// idFilter はObjectIDと文字列のどちらで保存された_idにも一致するフィルタを返す。
func idFilter(id string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return bson.M{fieldID: bson.M{"$in": bson.A{oid, id}}}
	}
	return bson.M{fieldID: id}
}

// profileFromDoc はBSONドキュメントをプロフィールに変換する。
// 既知フィールド以外はExtraに入れる。
func profileFromDoc(doc bson.M) (*domain.RestaurantProfile, error) {
	m, _ := normalize(doc).(map[string]any)
	take := func(key string) string {
		v, ok := m[key]
		if !ok {
			return ""
		}
		delete(m, key)
		if s, ok := v.(string); ok {
			return s
		}
		if v == nil {
			return ""
		}
		return fmt.Sprint(v)
	}

	p := &domain.RestaurantProfile{
		ID:            take(fieldID),
		RestID:        take(fieldRestID),
		Email:         take(fieldEmail),
		Phone:         take(fieldPhone),
		RestLocation:  take(fieldRestLocation),
		DeliveryToken: take(fieldToken),
		PasswordHash:  take(fieldPassword),
	}
	if len(m) > 0 {
		p.Extra = make(map[string]json.RawMessage, len(m))
		for k, v := range m {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("プロフィールの%sの変換に失敗: %w", k, err)
			}
			p.Extra[k] = b
		}
	}
	return p, nil
}

// profileToDoc はプロフィールをBSONドキュメントに変換する。
func profileToDoc(p *domain.RestaurantProfile) (bson.M, error) {
	doc := bson.M{}
	for k, raw := range p.Extra {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("プロフィールの%sの変換に失敗: %w", k, err)
		}
		doc[k] = v
	}
	set := func(key, v string) {
		if v != "" {
			doc[key] = v
		}
	}
	set(fieldRestID, p.RestID)
	set(fieldEmail, p.Email)
	set(fieldPhone, p.Phone)
	set(fieldRestLocation, p.RestLocation)
	set(fieldToken, p.DeliveryToken)
	set(fieldPassword, p.PasswordHash)
	if p.ID != "" {
		doc[fieldID] = idValue(p.ID)
	}
	return doc, nil
}
