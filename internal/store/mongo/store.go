// Package mongo はMongoDBのドキュメントストアを使ったストア実装を提供する。
//
// 変更フィードはMongoDBのチェンジストリームを使うため、
// 接続先はレプリカセットである必要がある。
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/internal/store"
)

// Collections は使用するコレクション名。
type Collections struct {
	Profiles string
	Orders   string
	Archive  string
	Statuses string
	Journal  string
}

// DefaultCollections は既存アプリのデータに合わせたコレクション名。
var DefaultCollections = Collections{
	Profiles: "restuarentusers",
	Orders:   "orders",
	Archive:  "acceptedorders",
	Statuses: "orderstatuses",
	Journal:  "acceptjournal",
}

// Store はMongoDBによるstore.Storeの実装。
type Store struct {
	client   *mongo.Client
	profiles *mongo.Collection
	orders   *mongo.Collection
	archive  *mongo.Collection
	statuses *mongo.Collection
	journal  *mongo.Collection
	now      func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open はMongoDBに接続し、必要なインデックスを作成する。
func Open(ctx context.Context, uri, database string, cols Collections) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("MongoDB接続に失敗: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("MongoDBへの疎通確認に失敗: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:   client,
		profiles: db.Collection(cols.Profiles),
		orders:   db.Collection(cols.Orders),
		archive:  db.Collection(cols.Archive),
		statuses: db.Collection(cols.Statuses),
		journal:  db.Collection(cols.Journal),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		col   *mongo.Collection
		model mongo.IndexModel
	}{
		{s.profiles, mongo.IndexModel{Keys: bson.D{{Key: fieldRestID, Value: 1}}}},
		{s.orders, mongo.IndexModel{Keys: bson.D{{Key: "restId", Value: 1}, {Key: fieldID, Value: -1}}}},
		{s.archive, mongo.IndexModel{
			Keys:    bson.D{{Key: "originalOrderId", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.statuses, mongo.IndexModel{Keys: bson.D{{Key: "orderId", Value: 1}}}},
		{s.journal, mongo.IndexModel{Keys: bson.D{{Key: "step", Value: 1}, {Key: "createdAt", Value: 1}}}},
	}
	for _, idx := range indexes {
		if _, err := idx.col.Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("%sのインデックス作成に失敗: %w", idx.col.Name(), err)
		}
	}
	return nil
}

// Close は接続を閉じる。
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// UpsertDeliveryToken はrestIdをキーに配信先トークンを登録する。
func (s *Store) UpsertDeliveryToken(ctx context.Context, restID, token string) (*domain.RestaurantProfile, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc bson.M
	err := s.profiles.FindOneAndUpdate(ctx,
		bson.M{fieldRestID: restID},
		bson.M{"$set": bson.M{fieldToken: token}},
		opts,
	).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("配信先トークンの登録に失敗: %w", err)
	}
	return profileFromDoc(doc)
}

// FindProfileByRestID はrestIdでプロフィールを取得する。
func (s *Store) FindProfileByRestID(ctx context.Context, restID string) (*domain.RestaurantProfile, error) {
	return s.findProfile(ctx, bson.M{fieldRestID: restID})
}

// FindProfileByEmail はメールアドレスの完全一致でプロフィールを取得する。
func (s *Store) FindProfileByEmail(ctx context.Context, email string) (*domain.RestaurantProfile, error) {
	if email == "" {
		return nil, domain.ErrNotFound
	}
	return s.findProfile(ctx, bson.M{fieldEmail: email})
}

func (s *Store) findProfile(ctx context.Context, filter bson.M) (*domain.RestaurantProfile, error) {
	var doc bson.M
	err := s.profiles.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗: %w", err)
	}
	return profileFromDoc(doc)
}

// CreateProfile はプロフィールを作成する。
func (s *Store) CreateProfile(ctx context.Context, p *domain.RestaurantProfile) error {
	if p.ID == "" {
		p.ID = primitive.NewObjectID().Hex()
	}
	doc, err := profileToDoc(p)
	if err != nil {
		return err
	}
	if _, err := s.profiles.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("プロフィールの作成に失敗: %w", err)
	}
	return nil
}

// InsertOrder は注文を挿入する。IDが空の場合はObjectIDを採番する。
func (s *Store) InsertOrder(ctx context.Context, o *domain.Order) error {
	if o.ID == "" {
		o.ID = primitive.NewObjectID().Hex()
	}
	doc, err := orderToDoc(o)
	if err != nil {
		return err
	}
	if _, err := s.orders.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("注文の挿入に失敗: %w", err)
	}
	return nil
}

// GetOrder はIDで注文を取得する。
func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.findOrder(ctx, s.orders, idFilter(id))
}

func (s *Store) findOrder(ctx context.Context, col *mongo.Collection, filter bson.M) (*domain.Order, error) {
	var doc bson.M
	err := col.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("注文の取得に失敗: %w", err)
	}
	return orderFromDoc(doc)
}

// ListOrdersByOwner はrestIdの注文を_idの降順で返す。
func (s *Store) ListOrdersByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Order, error) {
	opts := options.Find().SetSort(bson.D{{Key: fieldID, Value: -1}}).SetLimit(int64(limit))
	cur, err := s.orders.Find(ctx, bson.M{"restId": ownerID}, opts)
	if err != nil {
		return nil, fmt.Errorf("注文一覧の取得に失敗: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	orders := make([]domain.Order, 0)
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("注文の読み取りに失敗: %w", err)
		}
		o, err := orderFromDoc(doc)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, cur.Err()
}

// DeleteOrder は注文を削除する。
func (s *Store) DeleteOrder(ctx context.Context, id string) error {
	res, err := s.orders.DeleteOne(ctx, idFilter(id))
	if err != nil {
		return fmt.Errorf("注文の削除に失敗: %w", err)
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ArchiveOrder は受付済み注文をアーカイブする。同じ元注文IDが既にあれば何もしない。
func (s *Store) ArchiveOrder(ctx context.Context, o *domain.Order) error {
	if o.ID == "" {
		o.ID = primitive.NewObjectID().Hex()
	}
	doc, err := orderToDoc(o)
	if err != nil {
		return err
	}
	_, err = s.archive.UpdateOne(ctx,
		bson.M{"originalOrderId": o.OriginalOrderID},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("アーカイブへの挿入に失敗: %w", err)
	}
	return nil
}

// FindArchivedOrder は元注文IDでアーカイブを取得する。
func (s *Store) FindArchivedOrder(ctx context.Context, originalOrderID string) (*domain.Order, error) {
	return s.findOrder(ctx, s.archive, bson.M{"originalOrderId": originalOrderID})
}

// statusDoc はorderstatusesコレクションのドキュメント。
type statusDoc struct {
	OrderID   string    `bson:"orderId"`
	Status    string    `bson:"status"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// UpdateOrderStatus はステータスレコードを更新する。レコードが無い場合は何もしない。
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID, status string, at time.Time) error {
	if _, err := s.statuses.UpdateOne(ctx,
		bson.M{"orderId": orderID},
		bson.M{"$set": bson.M{"status": status, "updatedAt": at.UTC()}},
	); err != nil {
		return fmt.Errorf("ステータスの更新に失敗: %w", err)
	}
	return nil
}

// GetOrderStatus はステータスレコードを取得する。
func (s *Store) GetOrderStatus(ctx context.Context, orderID string) (*domain.StatusRecord, error) {
	var doc statusDoc
	err := s.statuses.FindOne(ctx, bson.M{"orderId": orderID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ステータスの取得に失敗: %w", err)
	}
	return &domain.StatusRecord{OrderID: doc.OrderID, Status: doc.Status, UpdatedAt: doc.UpdatedAt.UTC()}, nil
}

// CreateOrderStatus はステータスレコードを作成する。
func (s *Store) CreateOrderStatus(ctx context.Context, rec *domain.StatusRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	if _, err := s.statuses.InsertOne(ctx, statusDoc{
		OrderID:   rec.OrderID,
		Status:    rec.Status,
		UpdatedAt: rec.UpdatedAt.UTC(),
	}); err != nil {
		return fmt.Errorf("ステータスの作成に失敗: %w", err)
	}
	return nil
}

// journalDoc はacceptjournalコレクションのドキュメント。
type journalDoc struct {
	ID        string    `bson:"_id"`
	OrderID   string    `bson:"orderId"`
	Step      string    `bson:"step"`
	Order     bson.M    `bson:"order"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// BeginAccept は受付の意図を記録する。
func (s *Store) BeginAccept(ctx context.Context, o *domain.Order) (*domain.AcceptIntent, error) {
	doc, err := orderToDoc(o)
	if err != nil {
		return nil, err
	}
	now := s.now()
	jd := journalDoc{
		ID:        uuid.New().String(),
		OrderID:   o.ID,
		Step:      domain.AcceptStepPending,
		Order:     doc,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.journal.InsertOne(ctx, jd); err != nil {
		return nil, fmt.Errorf("ジャーナルの記録に失敗: %w", err)
	}
	return &domain.AcceptIntent{
		ID:        jd.ID,
		OrderID:   jd.OrderID,
		Step:      jd.Step,
		Order:     o.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// AdvanceAccept は完了したステップを記録する。
func (s *Store) AdvanceAccept(ctx context.Context, id, step string) error {
	res, err := s.journal.UpdateOne(ctx,
		bson.M{fieldID: id},
		bson.M{"$set": bson.M{"step": step, "updatedAt": s.now()}},
	)
	if err != nil {
		return fmt.Errorf("ジャーナルの更新に失敗: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CompleteAccept は受付処理の完了を記録する。
func (s *Store) CompleteAccept(ctx context.Context, id string) error {
	return s.AdvanceAccept(ctx, id, domain.AcceptStepCompleted)
}

// ListPendingAccepts は未完了のジャーナルを古い順に返す。
func (s *Store) ListPendingAccepts(ctx context.Context) ([]domain.AcceptIntent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: fieldID, Value: 1}})
	cur, err := s.journal.Find(ctx, bson.M{"step": bson.M{"$ne": domain.AcceptStepCompleted}}, opts)
	if err != nil {
		return nil, fmt.Errorf("未完了ジャーナルの取得に失敗: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var intents []domain.AcceptIntent
	for cur.Next(ctx) {
		var jd journalDoc
		if err := cur.Decode(&jd); err != nil {
			return nil, fmt.Errorf("ジャーナルの読み取りに失敗: %w", err)
		}
		o, err := orderFromDoc(jd.Order)
		if err != nil {
			return nil, err
		}
		intents = append(intents, domain.AcceptIntent{
			ID:        jd.ID,
			OrderID:   jd.OrderID,
			Step:      jd.Step,
			Order:     o,
			CreatedAt: jd.CreatedAt.UTC(),
			UpdatedAt: jd.UpdatedAt.UTC(),
		})
	}
	return intents, cur.Err()
}
