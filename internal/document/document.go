// Package document holds issued documents and their persistence.
package document

import (
	"encoding/json"
	"errors"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Document statuses
const (
	StatusValid   = "valid"
	StatusRevoked = "revoked"
	StatusExpired = "expired"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("document not found")
	// ErrDuplicateHash is returned when a document with the same hash is
	// already stored for the contract
	ErrDuplicateHash = errors.New("document hash already stored")
)

// Document is an issued document
type Document struct {
	ID         string            `json:"id" bson:"_id"`
	TemplateID string            `json:"template_id" bson:"template_id"`
	IssuedTo   Recipient         `json:"issued_to" bson:"issued_to"`
	Data       map[string]string `json:"data" bson:"data"`
	FileName   string            `json:"file_name,omitempty" bson:"file_name"`
	Blockchain BlockchainRecord  `json:"blockchain" bson:"blockchain"`
	IssuerID   string            `json:"issuer_id" bson:"issuer_id"`
	IssuedAt   time.Time         `json:"issued_at" bson:"issued_at"`
	Status     string            `json:"status" bson:"status"`
	CreatedAt  time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" bson:"updated_at"`
}

// Recipient identifies who a document was issued to
type Recipient struct {
	Name     string `json:"name" bson:"name"`
	Email    string `json:"email,omitempty" bson:"email"`
	IDNumber string `json:"id_number,omitempty" bson:"id_number"`
}

// BlockchainRecord locates a document on-chain
type BlockchainRecord struct {
	ContractAddress string `json:"contract_address" bson:"contract_address"`
	Network         string `json:"network" bson:"network"`
	TxHash          string `json:"tx_hash" bson:"tx_hash"`
	DocumentHash    string `json:"document_hash" bson:"document_hash"`
	BlockNumber     uint64 `json:"block_number,omitempty" bson:"block_number"`
	// FieldOrder and ABI are those of the contract at ContractAddress. A
	// regenerated template deploys a new contract and leaves these intact.
	FieldOrder []string        `json:"field_order,omitempty" bson:"field_order"`
	ABI        json.RawMessage `json:"abi,omitempty" bson:"abi"`
}

// ListFilter contains filters for listing documents
type ListFilter struct {
	Limit      int
	Offset     int
	TemplateID string
	IssuerID   string
	Status     string
}

// Stats contains document statistics
type Stats struct {
	Total   int64 `json:"total"`
	Valid   int64 `json:"valid"`
	Revoked int64 `json:"revoked"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a ULID, so document IDs sort by issuance time
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// ValidStatus reports whether s is a known status
func ValidStatus(s string) bool {
	switch s {
	case StatusValid, StatusRevoked, StatusExpired:
		return true
	}
	return false
}
