package template

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Store persists templates
type Store interface {
	Create(ctx context.Context, tmpl *Template) error
	Get(ctx context.Context, id string) (*Template, error)
	GetByName(ctx context.Context, createdBy, name string) (*Template, error)
	Update(ctx context.Context, tmpl *Template) error
	List(ctx context.Context, filter ListFilter) ([]*Template, int64, error)
	Stats(ctx context.Context, createdBy string) (*Stats, error)
}

var (
	bucketTemplates     = []byte("templates")
	bucketTemplateNames = []byte("template_names")
)

// BoltStore is a Store backed by bbolt
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates the template buckets and returns the store
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTemplates); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketTemplateNames); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create template buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Names are unique per issuer.
func nameKey(createdBy, name string) []byte {
	return []byte(createdBy + "\x00" + strings.ToLower(name))
}

// Create stores a new template and assigns its ID, version and timestamps
func (s *BoltStore) Create(ctx context.Context, tmpl *Template) error {
	if tmpl.Name == "" {
		return fmt.Errorf("template name is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		names := tx.Bucket(bucketTemplateNames)

		key := nameKey(tmpl.CreatedBy, tmpl.Name)
		if names.Get(key) != nil {
			return fmt.Errorf("%w: %q", ErrDuplicateName, tmpl.Name)
		}

		if tmpl.ID == "" {
			tmpl.ID = uuid.New().String()
		}
		tmpl.Version = 1
		tmpl.CreatedAt = time.Now().UTC()
		tmpl.UpdatedAt = tmpl.CreatedAt

		data, err := json.Marshal(tmpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}

		if err := templates.Put([]byte(tmpl.ID), data); err != nil {
			return err
		}
		return names.Put(key, []byte(tmpl.ID))
	})
}

// Get retrieves a template by ID
func (s *BoltStore) Get(ctx context.Context, id string) (*Template, error) {
	var tmpl *Template

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		tmpl = &Template{}
		return json.Unmarshal(data, tmpl)
	})
	if err != nil {
		return nil, err
	}
	return tmpl, nil
}

// GetByName retrieves an issuer's template by name
func (s *BoltStore) GetByName(ctx context.Context, createdBy, name string) (*Template, error) {
	var tmpl *Template

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketTemplateNames).Get(nameKey(createdBy, name))
		if id == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketTemplates).Get(id)
		if data == nil {
			return ErrNotFound
		}
		tmpl = &Template{}
		return json.Unmarshal(data, tmpl)
	})
	if err != nil {
		return nil, err
	}
	return tmpl, nil
}

// List returns one page of templates, newest first, and the number of
// templates matching the filter
func (s *BoltStore) List(ctx context.Context, filter ListFilter) ([]*Template, int64, error) {
	var matched []*Template
	search := strings.ToLower(filter.Search)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var tmpl Template
			if err := json.Unmarshal(v, &tmpl); err != nil {
				return nil
			}
			if filter.CreatedBy != "" && tmpl.CreatedBy != filter.CreatedBy {
				return nil
			}
			if search != "" &&
				!strings.Contains(strings.ToLower(tmpl.Name), search) &&
				!strings.Contains(strings.ToLower(tmpl.Description), search) {
				return nil
			}
			matched = append(matched, &tmpl)
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	return paginate(matched, filter.Offset, filter.Limit), int64(len(matched)), nil
}

func paginate(items []*Template, offset, limit int) []*Template {
	if offset >= len(items) {
		return []*Template{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// Update replaces a template, bumping its version
func (s *BoltStore) Update(ctx context.Context, tmpl *Template) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		names := tx.Bucket(bucketTemplateNames)

		existingData := templates.Get([]byte(tmpl.ID))
		if existingData == nil {
			return ErrNotFound
		}

		var existing Template
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}

		oldKey := nameKey(existing.CreatedBy, existing.Name)
		newKey := nameKey(existing.CreatedBy, tmpl.Name)
		if string(oldKey) != string(newKey) {
			if names.Get(newKey) != nil {
				return fmt.Errorf("%w: %q", ErrDuplicateName, tmpl.Name)
			}
			if err := names.Delete(oldKey); err != nil {
				return err
			}
			if err := names.Put(newKey, []byte(tmpl.ID)); err != nil {
				return err
			}
		}

		tmpl.CreatedBy = existing.CreatedBy
		tmpl.Version = existing.Version + 1
		tmpl.CreatedAt = existing.CreatedAt
		tmpl.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(tmpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}
		return templates.Put([]byte(tmpl.ID), data)
	})
}

// Stats counts templates, optionally only those of one issuer
func (s *BoltStore) Stats(ctx context.Context, createdBy string) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var tmpl Template
			if err := json.Unmarshal(v, &tmpl); err != nil {
				return nil
			}
			if createdBy != "" && tmpl.CreatedBy != createdBy {
				return nil
			}
			stats.Total++
			if tmpl.Contract.Deployed() {
				stats.Deployed++
			}
			return nil
		})
	})

	return stats, err
}
