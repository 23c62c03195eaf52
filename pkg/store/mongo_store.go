package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sophiasocial/pkg/record"
)

const mongoIDField = "_id"

// MongoStore keeps one document collection per entity. The client is
// connected once and shared by every collection handle.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

// NewMongoStore connects to uri and verifies the connection with a ping.
func NewMongoStore(ctx context.Context, uri, database string, logger *slog.Logger) (*MongoStore, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	if strings.TrimSpace(database) == "" {
		return nil, fmt.Errorf("mongo database is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(database), logger: logger}, nil
}

func (m *MongoStore) Backend() string { return BackendMongo }

// Close disconnects the shared client.
func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) Collection(name string) Collection {
	return &mongoCollection{
		name:   name,
		coll:   m.db.Collection(name),
		logger: m.logger.With("collection", name),
	}
}

type mongoCollection struct {
	name   string
	coll   *mongo.Collection
	logger *slog.Logger
}

func (c *mongoCollection) Name() string { return c.name }

func (c *mongoCollection) Create(ctx context.Context, rec record.Record) (record.Record, error) {
	rec = record.New(rec.ID, rec.Fields)
	if rec.ID == "" {
		rec.ID = primitive.NewObjectID().Hex()
	}
	doc := bson.M{}
	for k, v := range rec.Fields {
		doc[k] = v
	}
	doc[mongoIDField] = mongoID(rec.ID)
	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return record.Record{}, ErrDuplicateID
		}
		return record.Record{}, fmt.Errorf("mongo insert: %w", err)
	}
	c.logger.Debug("record created", "id", rec.ID)
	return rec.Clone(), nil
}

// ReadAll returns documents in natural order. A collection that was never
// written reads as empty.
func (c *mongoCollection) ReadAll(ctx context.Context) ([]record.Record, error) {
	cur, err := c.coll.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("mongo find: %w", err)
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo decode: %w", err)
	}
	out := make([]record.Record, 0, len(docs))
	for _, doc := range docs {
		out = append(out, recordFromBSON(doc))
	}
	return out, nil
}

func (c *mongoCollection) Get(ctx context.Context, id string) (record.Record, error) {
	var doc bson.M
	err := c.coll.FindOne(ctx, bson.M{mongoIDField: mongoID(id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return record.Record{}, ErrNotFound
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("mongo find one: %w", err)
	}
	return recordFromBSON(doc), nil
}

func (c *mongoCollection) Update(ctx context.Context, id string, patch Patch) (record.Record, error) {
	ops, err := patch.Operators(id)
	if err != nil {
		return record.Record{}, err
	}
	if len(ops) == 0 {
		return c.Get(ctx, id)
	}
	var doc bson.M
	err = c.coll.FindOneAndUpdate(
		ctx,
		bson.M{mongoIDField: mongoID(id)},
		updateDocument(ops),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return record.Record{}, ErrNotFound
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("mongo update: %w", err)
	}
	c.logger.Debug("record updated", "id", id, "fields", patch.Fields())
	return recordFromBSON(doc), nil
}

func (c *mongoCollection) UpdateMany(ctx context.Context, ids []string, patch Patch) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ops, err := patch.Operators("")
	if err != nil {
		return 0, err
	}
	keys := make(bson.A, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, mongoID(id))
	}
	res, err := c.coll.UpdateMany(ctx, bson.M{mongoIDField: bson.M{"$in": keys}}, updateDocument(ops))
	if err != nil {
		return 0, fmt.Errorf("mongo update many: %w", err)
	}
	return int(res.MatchedCount), nil
}

func (c *mongoCollection) Delete(ctx context.Context, id string) (string, error) {
	res, err := c.coll.DeleteOne(ctx, bson.M{mongoIDField: mongoID(id)})
	if err != nil {
		return "", fmt.Errorf("mongo delete: %w", err)
	}
	if res.DeletedCount == 0 {
		return "", ErrNotFound
	}
	c.logger.Debug("record deleted", "id", id)
	return id, nil
}

func (c *mongoCollection) Count(ctx context.Context) (int, error) {
	n, err := c.coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("mongo count: %w", err)
	}
	return int(n), nil
}

// mongoID stores ObjectID-shaped identifiers as ObjectIDs and anything else as a string.
func mongoID(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

func updateDocument(ops map[string]map[string]any) bson.M {
	update := bson.M{}
	for op, args := range ops {
		fields := bson.M{}
		for k, v := range args {
			fields[k] = v
		}
		update[op] = fields
	}
	return update
}

func recordFromBSON(doc bson.M) record.Record {
	fields := make(map[string]any, len(doc))
	var id string
	for k, v := range doc {
		if k == mongoIDField {
			id = idFromBSON(v)
			continue
		}
		fields[k] = fromBSON(v)
	}
	return record.New(id, fields)
}

func idFromBSON(v any) string {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}

// fromBSON converts driver values to plain JSON shapes. ObjectIDs become hex
// strings so references compare equal to record identifiers.
func fromBSON(v any) any {
	switch val := v.(type) {
	case primitive.ObjectID:
		return val.Hex()
	case primitive.M:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = fromBSON(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = fromBSON(item)
		}
		return out
	case primitive.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	case primitive.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = fromBSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = fromBSON(item)
		}
		return out
	case primitive.DateTime:
		return val.Time().UTC().Format(time.RFC3339Nano)
	case primitive.Decimal128:
		return val.String()
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case primitive.Null, primitive.Undefined:
		return nil
	default:
		return record.Normalize(val)
	}
}
