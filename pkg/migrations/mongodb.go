package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureSubscriptionsCollection creates the indexes the subscription
// repository queries by.
func EnsureSubscriptionsCollection(ctx context.Context, db *mongo.Database, name string) error {
	collection := db.Collection(name)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "event_type", Value: 1}},
			Options: options.Index().SetName("idx_subscriptions_event_type").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "enabled", Value: 1}, {Key: "event_type", Value: 1}},
			Options: options.Index().SetName("idx_subscriptions_enabled_event_type"),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("idx_subscriptions_updated_at"),
		},
	}

	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}
	return nil
}
