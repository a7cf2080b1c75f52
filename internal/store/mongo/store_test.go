package mongo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/internal/store"
)

func TestOrderFromDoc(t *testing.T) {
	t.Parallel()

	t.Run("ObjectIDと入れ子のドキュメントがJSONに変換されること", func(t *testing.T) {
		t.Parallel()

		oid := primitive.NewObjectID()
		doc := bson.M{
			"_id":    oid,
			"restId": "R1",
			"status": "placed",
			"items": bson.A{
				bson.D{{Key: "sku", Value: "burger"}, {Key: "qty", Value: int32(2)}},
			},
			"createdAt": primitive.NewDateTimeFromTime(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		}

		o, err := orderFromDoc(doc)
		if err != nil {
			t.Fatalf("orderFromDoc()でエラーが発生: %v", err)
		}
		if o.ID != oid.Hex() {
			t.Errorf("ID = %q, want %q", o.ID, oid.Hex())
		}
		if len(o.Items) != 1 || string(o.Items[0]) != `{"qty":2,"sku":"burger"}` {
			t.Errorf("Items = %s", o.Items)
		}
		if string(o.Extra["createdAt"]) != `"2026-01-02T03:04:05Z"` {
			t.Errorf("createdAt = %s", o.Extra["createdAt"])
		}
	})

	t.Run("16進のIDはObjectIDとして書き戻されること", func(t *testing.T) {
		t.Parallel()

		oid := primitive.NewObjectID()
		doc, err := orderToDoc(&domain.Order{ID: oid.Hex(), RestID: "R1"})
		if err != nil {
			t.Fatalf("orderToDoc()でエラーが発生: %v", err)
		}
		if doc["_id"] != oid {
			t.Errorf("_id = %v, want ObjectID %v", doc["_id"], oid)
		}

		doc, err = orderToDoc(&domain.Order{ID: "plain-id"})
		if err != nil {
			t.Fatalf("orderToDoc()でエラーが発生: %v", err)
		}
		if doc["_id"] != "plain-id" {
			t.Errorf("_id = %v, want plain-id", doc["_id"])
		}
	})
}

func TestProfileFromDoc(t *testing.T) {
	t.Parallel()

	doc := bson.M{
		"_id":      primitive.NewObjectID(),
		"restId":   "R1",
		"email":    "a@x.io",
		"fcmToken": "tokA",
		"password": "hash",
		"name":     "Burger",
	}
	p, err := profileFromDoc(doc)
	if err != nil {
		t.Fatalf("profileFromDoc()でエラーが発生: %v", err)
	}
	if p.RestID != "R1" || p.DeliveryToken != "tokA" || p.PasswordHash != "hash" {
		t.Errorf("プロフィール = %+v", p)
	}
	if string(p.Extra["name"]) != `"Burger"` {
		t.Errorf("Extra = %v", p.Extra)
	}
	if _, ok := p.Extra["password"]; ok {
		t.Error("パスワードがExtraに含まれている")
	}
}

func TestToEvent(t *testing.T) {
	t.Parallel()

	oid := primitive.NewObjectID()
	ev, err := toEvent("tok", changeDoc{
		OperationType: "insert",
		DocumentKey:   bson.M{"_id": oid},
		FullDocument:  bson.M{"_id": oid, "restId": "R1"},
		ClusterTime:   primitive.Timestamp{T: 1700000000},
	})
	if err != nil {
		t.Fatalf("toEvent()でエラーが発生: %v", err)
	}
	if !ev.IsInsert() || ev.DocumentKey != oid.Hex() {
		t.Errorf("イベント = %+v", ev)
	}
	if !ev.ClusterTime.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("ClusterTime = %v", ev.ClusterTime)
	}

	del, err := toEvent("tok2", changeDoc{OperationType: "delete", DocumentKey: bson.M{"_id": "A1"}})
	if err != nil {
		t.Fatalf("toEvent()でエラーが発生: %v", err)
	}
	if len(del.FullDocument) != 0 || del.DocumentKey != "A1" {
		t.Errorf("削除イベント = %+v", del)
	}
}

// TestStoreIntegration はTEST_MONGO_URIのレプリカセットに対して実行する。
func TestStoreIntegration(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URIが未設定のためスキップ")
	}
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	dbName := "ordernotify_test_" + primitive.NewObjectID().Hex()
	s, err := Open(ctx, uri, dbName, DefaultCollections)
	if err != nil {
		t.Fatalf("ストアの作成に失敗: %v", err)
	}
	t.Cleanup(func() {
		_ = s.client.Database(dbName).Drop(context.Background())
		_ = s.Close()
	})

	p, err := s.UpsertDeliveryToken(ctx, "R1", "tokA")
	if err != nil {
		t.Fatalf("UpsertDeliveryToken()でエラーが発生: %v", err)
	}
	if p.DeliveryToken != "tokA" {
		t.Errorf("DeliveryToken = %q, want tokA", p.DeliveryToken)
	}

	f, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch()でエラーが発生: %v", err)
	}
	o := &domain.Order{RestID: "R1", Status: domain.StatusPlaced}
	if err := s.InsertOrder(ctx, o); err != nil {
		t.Fatalf("InsertOrder()でエラーが発生: %v", err)
	}
	ev, err := f.Next(ctx)
	if err != nil {
		t.Fatalf("Next()でエラーが発生: %v", err)
	}
	if !ev.IsInsert() || ev.DocumentKey != o.ID {
		t.Errorf("イベント = %+v, want insert %s", ev, o.ID)
	}
	if err := f.Close(ctx); err != nil {
		t.Errorf("Close()でエラーが発生: %v", err)
	}
	if _, err := f.Next(ctx); !errors.Is(err, store.ErrFeedClosed) {
		t.Errorf("err = %v, want ErrFeedClosed", err)
	}

	for range 2 {
		if err := s.ArchiveOrder(ctx, o.Archived()); err != nil {
			t.Fatalf("ArchiveOrder()でエラーが発生: %v", err)
		}
	}
	n, err := s.archive.CountDocuments(ctx, bson.M{"originalOrderId": o.ID})
	if err != nil {
		t.Fatalf("件数の取得に失敗: %v", err)
	}
	if n != 1 {
		t.Errorf("アーカイブ件数 = %d, want 1", n)
	}
}
