package document

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store persists documents
type Store interface {
	Create(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	FindByHash(ctx context.Context, contractAddress, documentHash string) (*Document, error)
	UpdateStatus(ctx context.Context, id, status string) error
	List(ctx context.Context, filter ListFilter) ([]*Document, int64, error)
	Stats(ctx context.Context, issuerID string) (*Stats, error)
}

var (
	bucketDocuments = []byte("documents")
	bucketHashes    = []byte("document_hashes")
)

// BoltStore is a Store backed by bbolt. Keys are ULIDs, so cursor order is
// issuance order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates the document buckets and returns the store
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDocuments); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketHashes); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create document buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func hashKey(contractAddress, documentHash string) []byte {
	return []byte(strings.ToLower(contractAddress) + "/" + strings.ToLower(documentHash))
}

// Create stores a new document, assigning ID and timestamps when unset
func (s *BoltStore) Create(ctx context.Context, doc *Document) error {
	if doc.TemplateID == "" {
		return fmt.Errorf("document template id is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocuments)
		hashes := tx.Bucket(bucketHashes)

		var hk []byte
		if doc.Blockchain.DocumentHash != "" {
			hk = hashKey(doc.Blockchain.ContractAddress, doc.Blockchain.DocumentHash)
			if hashes.Get(hk) != nil {
				return fmt.Errorf("%w: %s", ErrDuplicateHash, doc.Blockchain.DocumentHash)
			}
		}

		if doc.ID == "" {
			doc.ID = NewID()
		}
		now := time.Now().UTC()
		if doc.IssuedAt.IsZero() {
			doc.IssuedAt = now
		}
		if doc.Status == "" {
			doc.Status = StatusValid
		}
		doc.CreatedAt = now
		doc.UpdatedAt = now

		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal document: %w", err)
		}
		if err := docs.Put([]byte(doc.ID), data); err != nil {
			return err
		}
		if hk != nil {
			return hashes.Put(hk, []byte(doc.ID))
		}
		return nil
	})
}

// Get retrieves a document by ID
func (s *BoltStore) Get(ctx context.Context, id string) (*Document, error) {
	var doc *Document

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDocuments).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		doc = &Document{}
		return json.Unmarshal(data, doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// FindByHash retrieves the document recorded under documentHash on a contract
func (s *BoltStore) FindByHash(ctx context.Context, contractAddress, documentHash string) (*Document, error) {
	var doc *Document

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketHashes).Get(hashKey(contractAddress, documentHash))
		if id == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketDocuments).Get(id)
		if data == nil {
			return ErrNotFound
		}
		doc = &Document{}
		return json.Unmarshal(data, doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// UpdateStatus sets the status of a document
func (s *BoltStore) UpdateStatus(ctx context.Context, id, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("invalid document status %q", status)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocuments)
		data := docs.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		doc.Status = status
		doc.UpdatedAt = time.Now().UTC()

		updated, err := json.Marshal(&doc)
		if err != nil {
			return fmt.Errorf("failed to marshal document: %w", err)
		}
		return docs.Put([]byte(id), updated)
	})
}

func (f ListFilter) matches(doc *Document) bool {
	if f.TemplateID != "" && doc.TemplateID != f.TemplateID {
		return false
	}
	if f.IssuerID != "" && doc.IssuerID != f.IssuerID {
		return false
	}
	if f.Status != "" && doc.Status != f.Status {
		return false
	}
	return true
}

// List returns one page of documents, newest first, and the number of
// documents matching the filter
func (s *BoltStore) List(ctx context.Context, filter ListFilter) ([]*Document, int64, error) {
	docs := []*Document{}
	var total int64

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDocuments).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				continue
			}
			if !filter.matches(&doc) {
				continue
			}

			total++
			if total <= int64(filter.Offset) {
				continue
			}
			if filter.Limit > 0 && len(docs) >= filter.Limit {
				continue
			}
			docs = append(docs, &doc)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

// Stats counts documents, optionally only those of one issuer
func (s *BoltStore) Stats(ctx context.Context, issuerID string) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(k, v []byte) error {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return nil
			}
			if issuerID != "" && doc.IssuerID != issuerID {
				return nil
			}
			stats.Total++
			switch doc.Status {
			case StatusValid:
				stats.Valid++
			case StatusRevoked:
				stats.Revoked++
			}
			return nil
		})
	})

	return stats, err
}
