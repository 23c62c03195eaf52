package store

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestMongoIDShape(t *testing.T) {
	oid := primitive.NewObjectID()
	if got, ok := mongoID(oid.Hex()).(primitive.ObjectID); !ok || got != oid {
		t.Fatalf("hex id should map to ObjectID, got %#v", mongoID(oid.Hex()))
	}
	if got := mongoID("book_001"); got != "book_001" {
		t.Fatalf("non-hex id should stay a string, got %#v", got)
	}
}

func TestRecordFromBSONNormalizesDriverValues(t *testing.T) {
	clubID := primitive.NewObjectID()
	userID := primitive.NewObjectID()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	doc := bson.M{
		"_id":       clubID,
		"name":      "Cineclub",
		"members":   primitive.A{userID, "legacy"},
		"size":      int32(3),
		"views":     int64(10),
		"createdAt": primitive.NewDateTimeFromTime(created),
		"meta":      bson.M{"owner": userID},
		"extra":     bson.D{{Key: "k", Value: "v"}},
	}
	rec := recordFromBSON(doc)
	if rec.ID != clubID.Hex() {
		t.Fatalf("id = %q", rec.ID)
	}
	if got := rec.Strings("members"); !reflect.DeepEqual(got, []string{userID.Hex(), "legacy"}) {
		t.Fatalf("members = %v", got)
	}
	if rec.Fields["size"] != 3.0 || rec.Fields["views"] != 10.0 {
		t.Fatalf("numbers not normalized: %#v", rec.Fields)
	}
	if rec.Fields["createdAt"] != "2024-05-01T12:00:00Z" {
		t.Fatalf("createdAt = %v", rec.Fields["createdAt"])
	}
	meta, ok := rec.Fields["meta"].(map[string]any)
	if !ok || meta["owner"] != userID.Hex() {
		t.Fatalf("meta = %#v", rec.Fields["meta"])
	}
	if extra, ok := rec.Fields["extra"].(map[string]any); !ok || extra["k"] != "v" {
		t.Fatalf("extra = %#v", rec.Fields["extra"])
	}
}

func TestUpdateDocumentFromPlainPatch(t *testing.T) {
	ops, err := Patch{"title": "Dune"}.Operators("b1")
	if err != nil {
		t.Fatalf("operators: %v", err)
	}
	doc := updateDocument(ops)
	set, ok := doc["$set"].(bson.M)
	if !ok || set["title"] != "Dune" || len(doc) != 1 {
		t.Fatalf("update doc = %#v", doc)
	}
}

// Integration run against a live server: SOPHIA_TEST_MONGO_URI=mongodb://localhost:27017
func TestMongoStoreCollection(t *testing.T) {
	uri := os.Getenv("SOPHIA_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("SOPHIA_TEST_MONGO_URI not set")
	}
	runCollectionSuite(t, func(t *testing.T) Store {
		ctx := context.Background()
		database := fmt.Sprintf("sophia_test_%d", time.Now().UnixNano())
		s, err := NewMongoStore(ctx, uri, database, nil)
		if err != nil {
			t.Fatalf("new mongo store: %v", err)
		}
		t.Cleanup(func() {
			_ = s.db.Drop(context.Background())
			_ = s.Close(context.Background())
		})
		return s
	})
}
