package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Repository interface {
	GetActiveSubscriptions(ctx context.Context) ([]Subscription, error)
}

type MongoDBRepository struct {
	collection *mongo.Collection
}

func NewMongoDBRepository(db *mongo.Database, collection string) *MongoDBRepository {
	return &MongoDBRepository{
		collection: db.Collection(collection),
	}
}

// subscriptionDocument keeps webhook configs raw. They are decoded through
// their JSON form so the same enum and duration parsing applies to every
// source.
type subscriptionDocument struct {
	ID        bson.RawValue `bson:"_id"`
	EventType string        `bson:"event_type"`
	Name      string        `bson:"name"`
	Webhook   bson.Raw      `bson:"webhook"`
	Callback  bson.Raw      `bson:"callback,omitempty"`
	Condition string        `bson:"condition,omitempty"`
	Enabled   bool          `bson:"enabled"`
	UpdatedAt time.Time     `bson:"updated_at,omitempty"`
}

func (r *MongoDBRepository) GetActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	filter := bson.M{"enabled": true}
	opts := options.Find().SetSort(bson.D{{Key: "event_type", Value: 1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find subscriptions: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []subscriptionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode subscriptions: %w", err)
	}

	subs := make([]Subscription, 0, len(docs))
	for _, doc := range docs {
		sub, err := doc.toSubscription()
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (d subscriptionDocument) toSubscription() (Subscription, error) {
	sub := Subscription{
		ID:        documentID(d.ID),
		EventType: d.EventType,
		Name:      d.Name,
		Condition: d.Condition,
		Enabled:   d.Enabled,
		UpdatedAt: d.UpdatedAt,
	}

	if len(d.Webhook) > 0 {
		if err := decodeRaw(d.Webhook, &sub.Webhook); err != nil {
			return Subscription{}, fmt.Errorf("subscription %q: failed to decode webhook: %w", d.EventType, err)
		}
	}
	if len(d.Callback) > 0 {
		if err := decodeRaw(d.Callback, &sub.Callback); err != nil {
			return Subscription{}, fmt.Errorf("subscription %q: failed to decode callback: %w", d.EventType, err)
		}
	}
	return sub, nil
}

func decodeRaw(raw bson.Raw, out interface{}) error {
	data, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func documentID(v bson.RawValue) string {
	if oid, ok := v.ObjectIDOK(); ok {
		return oid.Hex()
	}
	if s, ok := v.StringValueOK(); ok {
		return s
	}
	return ""
}

// FileRepository reads a JSON array of subscriptions. The file is re-read on
// every call so edits are picked up by the reloader.
type FileRepository struct {
	path string
}

func NewFileRepository(path string) *FileRepository {
	return &FileRepository{path: path}
}

func (r *FileRepository) GetActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	all, err := LoadFile(r.path)
	if err != nil {
		return nil, err
	}

	active := make([]Subscription, 0, len(all))
	for _, sub := range all {
		if sub.Enabled {
			active = append(active, sub)
		}
	}
	return active, nil
}

// LoadFile returns every subscription in the file, enabled or not.
func LoadFile(path string) ([]Subscription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read subscriptions file: %w", err)
	}

	var subs []Subscription
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("failed to parse subscriptions file %s: %w", path, err)
	}
	return subs, nil
}
