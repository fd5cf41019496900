package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/foxzi/chaindoc/internal/document"
)

// DocumentStore is a document.Store backed by MongoDB. IDs are ULIDs, so
// sorting on _id is issuance order.
type DocumentStore struct {
	collection *mongo.Collection
}

var _ document.Store = (*DocumentStore)(nil)

// NewDocumentStore returns a store over the documents collection
func NewDocumentStore(db *mongo.Database) *DocumentStore {
	return &DocumentStore{collection: db.Collection(collectionDocuments)}
}

// Create inserts a new document, assigning ID and timestamps when unset
func (s *DocumentStore) Create(ctx context.Context, doc *document.Document) error {
	if doc.TemplateID == "" {
		return fmt.Errorf("document template id is required")
	}

	if doc.ID == "" {
		doc.ID = document.NewID()
	}
	now := time.Now().UTC()
	if doc.IssuedAt.IsZero() {
		doc.IssuedAt = now
	}
	if doc.Status == "" {
		doc.Status = document.StatusValid
	}
	doc.CreatedAt = now
	doc.UpdatedAt = now

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", document.ErrDuplicateHash, doc.Blockchain.DocumentHash)
		}
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// Get retrieves a document by ID
func (s *DocumentStore) Get(ctx context.Context, id string) (*document.Document, error) {
	return s.findOne(ctx, bson.M{"_id": id}, options.FindOne())
}

// FindByHash retrieves the document recorded under documentHash on a contract
func (s *DocumentStore) FindByHash(ctx context.Context, contractAddress, documentHash string) (*document.Document, error) {
	filter := bson.M{
		"blockchain.contract_address": contractAddress,
		"blockchain.document_hash":    documentHash,
	}
	return s.findOne(ctx, filter, options.FindOne().SetCollation(caseInsensitive))
}

func (s *DocumentStore) findOne(ctx context.Context, filter bson.M, opts *options.FindOneOptions) (*document.Document, error) {
	var doc document.Document
	if err := s.collection.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, document.ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// UpdateStatus sets the status of a document
func (s *DocumentStore) UpdateStatus(ctx context.Context, id, status string) error {
	if !document.ValidStatus(status) {
		return fmt.Errorf("invalid document status %q", status)
	}

	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"status": status, "updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if res.MatchedCount == 0 {
		return document.ErrNotFound
	}
	return nil
}

func documentMatch(filter document.ListFilter) bson.D {
	match := bson.D{}
	if filter.TemplateID != "" {
		match = append(match, bson.E{Key: "template_id", Value: filter.TemplateID})
	}
	if filter.IssuerID != "" {
		match = append(match, bson.E{Key: "issuer_id", Value: filter.IssuerID})
	}
	if filter.Status != "" {
		match = append(match, bson.E{Key: "status", Value: filter.Status})
	}
	return match
}

// List returns one page of documents, newest first, and the number of
// documents matching the filter
func (s *DocumentStore) List(ctx context.Context, filter document.ListFilter) ([]*document.Document, int64, error) {
	pipeline := pagedPipeline(documentMatch(filter),
		bson.D{{Key: "_id", Value: -1}}, filter.Offset, filter.Limit)

	items, total, err := aggregatePage[document.Document](ctx, s.collection, pipeline)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	return items, total, nil
}

// Stats counts documents, optionally only those of one issuer
func (s *DocumentStore) Stats(ctx context.Context, issuerID string) (*document.Stats, error) {
	stats := &document.Stats{}

	counts := []struct {
		status string
		dst    *int64
	}{
		{"", &stats.Total},
		{document.StatusValid, &stats.Valid},
		{document.StatusRevoked, &stats.Revoked},
	}
	for _, c := range counts {
		match := documentMatch(document.ListFilter{IssuerID: issuerID, Status: c.status})
		n, err := aggregateCount(ctx, s.collection, match)
		if err != nil {
			return nil, fmt.Errorf("failed to count documents: %w", err)
		}
		*c.dst = n
	}
	return stats, nil
}
