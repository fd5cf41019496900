package mongostore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/foxzi/chaindoc/internal/template"
)

// TemplateStore is a template.Store backed by MongoDB
type TemplateStore struct {
	collection *mongo.Collection
}

var _ template.Store = (*TemplateStore)(nil)

// NewTemplateStore returns a store over the templates collection
func NewTemplateStore(db *mongo.Database) *TemplateStore {
	return &TemplateStore{collection: db.Collection(collectionTemplates)}
}

// Create inserts a new template and assigns its ID, version and timestamps
func (s *TemplateStore) Create(ctx context.Context, tmpl *template.Template) error {
	if tmpl.Name == "" {
		return fmt.Errorf("template name is required")
	}

	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	}
	tmpl.Version = 1
	tmpl.CreatedAt = time.Now().UTC()
	tmpl.UpdatedAt = tmpl.CreatedAt

	if _, err := s.collection.InsertOne(ctx, tmpl); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %q", template.ErrDuplicateName, tmpl.Name)
		}
		return fmt.Errorf("failed to insert template: %w", err)
	}
	return nil
}

// Get retrieves a template by ID
func (s *TemplateStore) Get(ctx context.Context, id string) (*template.Template, error) {
	return s.findOne(ctx, bson.M{"_id": id}, options.FindOne())
}

// GetByName retrieves an issuer's template by name, ignoring case
func (s *TemplateStore) GetByName(ctx context.Context, createdBy, name string) (*template.Template, error) {
	return s.findOne(ctx, bson.M{"created_by": createdBy, "name": name},
		options.FindOne().SetCollation(caseInsensitive))
}

func (s *TemplateStore) findOne(ctx context.Context, filter bson.M, opts *options.FindOneOptions) (*template.Template, error) {
	var tmpl template.Template
	if err := s.collection.FindOne(ctx, filter, opts).Decode(&tmpl); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, template.ErrNotFound
		}
		return nil, err
	}
	return &tmpl, nil
}

// Update replaces a template, bumping its version. The replace is
// conditional on the version read, so concurrent updates do not interleave.
func (s *TemplateStore) Update(ctx context.Context, tmpl *template.Template) error {
	existing, err := s.Get(ctx, tmpl.ID)
	if err != nil {
		return err
	}

	tmpl.CreatedBy = existing.CreatedBy
	tmpl.Version = existing.Version + 1
	tmpl.CreatedAt = existing.CreatedAt
	tmpl.UpdatedAt = time.Now().UTC()

	res, err := s.collection.ReplaceOne(ctx, bson.M{"_id": tmpl.ID, "version": existing.Version}, tmpl)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %q", template.ErrDuplicateName, tmpl.Name)
		}
		return fmt.Errorf("failed to update template: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("template %s changed concurrently: %w", tmpl.ID, template.ErrNotFound)
	}
	return nil
}

func templateMatch(filter template.ListFilter) bson.D {
	match := bson.D{}
	if filter.CreatedBy != "" {
		match = append(match, bson.E{Key: "created_by", Value: filter.CreatedBy})
	}
	if filter.Search != "" {
		pattern := bson.M{"$regex": regexp.QuoteMeta(filter.Search), "$options": "i"}
		match = append(match, bson.E{Key: "$or", Value: bson.A{
			bson.M{"name": pattern},
			bson.M{"description": pattern},
		}})
	}
	return match
}

// List returns one page of templates, newest first, and the number of
// templates matching the filter
func (s *TemplateStore) List(ctx context.Context, filter template.ListFilter) ([]*template.Template, int64, error) {
	pipeline := pagedPipeline(templateMatch(filter),
		bson.D{{Key: "created_at", Value: -1}}, filter.Offset, filter.Limit)

	items, total, err := aggregatePage[template.Template](ctx, s.collection, pipeline)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list templates: %w", err)
	}
	return items, total, nil
}

// Stats counts templates, optionally only those of one issuer
func (s *TemplateStore) Stats(ctx context.Context, createdBy string) (*template.Stats, error) {
	match := templateMatch(template.ListFilter{CreatedBy: createdBy})

	total, err := aggregateCount(ctx, s.collection, match)
	if err != nil {
		return nil, fmt.Errorf("failed to count templates: %w", err)
	}

	deployed := append(bson.D{}, match...)
	deployed = append(deployed,
		bson.E{Key: "contract.compilation_status", Value: template.CompilationSuccess},
		bson.E{Key: "contract.deployed_address", Value: bson.M{"$nin": bson.A{"", nil}}},
	)
	deployedCount, err := aggregateCount(ctx, s.collection, deployed)
	if err != nil {
		return nil, fmt.Errorf("failed to count deployed templates: %w", err)
	}

	return &template.Stats{Total: total, Deployed: deployedCount}, nil
}
