// Package mongostore implements the template and document stores on MongoDB.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collectionTemplates = "templates"
	collectionDocuments = "documents"

	connectTimeout = 10 * time.Second
)

// caseInsensitive compares strings ignoring case, so name and hash lookups
// match the bolt stores
var caseInsensitive = &options.Collation{Locale: "en", Strength: 2}

// Client wraps a connected mongo client and the chaindoc database
type Client struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials uri, pings the primary and selects database
func Connect(ctx context.Context, uri, database string) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &Client{client: client, db: client.Database(database)}, nil
}

// Database returns the selected database
func (c *Client) Database() *mongo.Database {
	return c.db
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, nil)
}

// Disconnect closes the connection
func (c *Client) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// EnsureIndexes creates the unique and lookup indexes both stores rely on
func (c *Client) EnsureIndexes(ctx context.Context) error {
	_, err := c.db.Collection(collectionTemplates).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "created_by", Value: 1}, {Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true).SetCollation(caseInsensitive),
		},
		{
			Keys: bson.D{{Key: "created_at", Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create template indexes: %w", err)
	}

	_, err = c.db.Collection(collectionDocuments).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "blockchain.contract_address", Value: 1},
				{Key: "blockchain.document_hash", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetCollation(caseInsensitive),
		},
		{
			Keys: bson.D{{Key: "issuer_id", Value: 1}, {Key: "template_id", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create document indexes: %w", err)
	}
	return nil
}

// pagedPipeline matches, sorts and returns one page plus the total match
// count in a single round trip
func pagedPipeline(match, sort bson.D, offset, limit int) mongo.Pipeline {
	items := bson.A{bson.D{{Key: "$skip", Value: int64(offset)}}}
	if limit > 0 {
		items = append(items, bson.D{{Key: "$limit", Value: int64(limit)}})
	}

	return mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$sort", Value: sort}},
		{{Key: "$facet", Value: bson.D{
			{Key: "items", Value: items},
			{Key: "total", Value: bson.A{bson.D{{Key: "$count", Value: "count"}}}},
		}}},
	}
}

func countPipeline(match bson.D) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$count", Value: "count"}},
	}
}

type countResult struct {
	Count int64 `bson:"count"`
}

type pageResult[T any] struct {
	Items []*T          `bson:"items"`
	Total []countResult `bson:"total"`
}

func aggregatePage[T any](ctx context.Context, coll *mongo.Collection, pipeline mongo.Pipeline) ([]*T, int64, error) {
	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	var results []pageResult[T]
	if err := cursor.All(ctx, &results); err != nil {
		return nil, 0, err
	}

	items := []*T{}
	var total int64
	if len(results) > 0 {
		if results[0].Items != nil {
			items = results[0].Items
		}
		if len(results[0].Total) > 0 {
			total = results[0].Total[0].Count
		}
	}
	return items, total, nil
}

func aggregateCount(ctx context.Context, coll *mongo.Collection, match bson.D) (int64, error) {
	cursor, err := coll.Aggregate(ctx, countPipeline(match))
	if err != nil {
		return 0, err
	}
	defer cursor.Close(ctx)

	var results []countResult
	if err := cursor.All(ctx, &results); err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0].Count, nil
}
