package document

import (
	"context"
	"errors"
	"os"
	"testing"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) (*bolt.DB, func()) {
	tmpfile, err := os.CreateTemp("", "document_test_*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpfile.Close()

	db, err := bolt.Open(tmpfile.Name(), 0600, nil)
	if err != nil {
		os.Remove(tmpfile.Name())
		t.Fatalf("failed to open db: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(tmpfile.Name())
	}

	return db, cleanup
}

func newTestDocument(templateID, issuer, hash string) *Document {
	return &Document{
		TemplateID: templateID,
		IssuerID:   issuer,
		IssuedTo:   Recipient{Name: "Alice", Email: "alice@example.com"},
		Data:       map[string]string{"name": "Alice"},
		Blockchain: BlockchainRecord{
			ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
			Network:         "hardhat",
			TxHash:          "0xabc",
			DocumentHash:    hash,
		},
	}
}

func TestBoltStore_Create(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store, err := NewBoltStore(db)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}

	doc := newTestDocument("tmpl-1", "issuer-1", "0x01")
	if err := store.Create(context.Background(), doc); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if len(doc.ID) != 26 {
		t.Errorf("Create() id = %q, want a ULID", doc.ID)
	}
	if doc.Status != StatusValid {
		t.Errorf("Create() status = %q, want %q", doc.Status, StatusValid)
	}
	if doc.IssuedAt.IsZero() || doc.CreatedAt.IsZero() {
		t.Error("Create() did not set timestamps")
	}

	got, err := store.Get(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Data["name"] != "Alice" || got.IssuedTo.Email != "alice@example.com" {
		t.Errorf("Get() = %+v", got)
	}
}

func TestBoltStore_CreateDuplicateHash(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store, _ := NewBoltStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, newTestDocument("tmpl-1", "issuer-1", "0xAA")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	err := store.Create(ctx, newTestDocument("tmpl-1", "issuer-1", "0xaa"))
	if !errors.Is(err, ErrDuplicateHash) {
		t.Errorf("Create() error = %v, want ErrDuplicateHash", err)
	}
}

func TestBoltStore_FindByHash(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store, _ := NewBoltStore(db)
	ctx := context.Background()

	doc := newTestDocument("tmpl-1", "issuer-1", "0xBEEF")
	if err := store.Create(ctx, doc); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.FindByHash(ctx, "0x5fbdb2315678afecb367f032d93f642f64180aa3", "0xbeef")
	if err != nil {
		t.Fatalf("FindByHash() error = %v", err)
	}
	if got.ID != doc.ID {
		t.Errorf("FindByHash() id = %q, want %q", got.ID, doc.ID)
	}

	if _, err := store.FindByHash(ctx, doc.Blockchain.ContractAddress, "0xdead"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByHash() error = %v, want ErrNotFound", err)
	}
}

func TestBoltStore_UpdateStatus(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store, _ := NewBoltStore(db)
	ctx := context.Background()

	doc := newTestDocument("tmpl-1", "issuer-1", "0x01")
	if err := store.Create(ctx, doc); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := store.UpdateStatus(ctx, doc.ID, StatusRevoked); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	got, _ := store.Get(ctx, doc.ID)
	if got.Status != StatusRevoked {
		t.Errorf("status = %q, want %q", got.Status, StatusRevoked)
	}

	if err := store.UpdateStatus(ctx, doc.ID, "bogus"); err == nil {
		t.Error("UpdateStatus() should reject unknown status")
	}
	if err := store.UpdateStatus(ctx, "missing", StatusRevoked); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus() error = %v, want ErrNotFound", err)
	}
}

func TestBoltStore_List(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store, _ := NewBoltStore(db)
	ctx := context.Background()

	var ids []string
	for i, hash := range []string{"0x01", "0x02", "0x03", "0x04"} {
		tmplID := "tmpl-1"
		if i == 3 {
			tmplID = "tmpl-2"
		}
		doc := newTestDocument(tmplID, "issuer-1", hash)
		if err := store.Create(ctx, doc); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		ids = append(ids, doc.ID)
	}
	if err := store.Create(ctx, newTestDocument("tmpl-1", "issuer-2", "0x05")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	list, total, err := store.List(ctx, ListFilter{IssuerID: "issuer-1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 4 || len(list) != 4 {
		t.Fatalf("List() len = %d total = %d, want 4/4", len(list), total)
	}
	if list[0].ID != ids[3] {
		t.Errorf("List()[0] = %s, want newest %s", list[0].ID, ids[3])
	}

	list, total, err = store.List(ctx, ListFilter{IssuerID: "issuer-1", TemplateID: "tmpl-1", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 3 || len(list) != 2 {
		t.Fatalf("List() page len = %d total = %d, want 2/3", len(list), total)
	}
	if list[0].ID != ids[1] || list[1].ID != ids[0] {
		t.Errorf("List() page = [%s %s], want [%s %s]", list[0].ID, list[1].ID, ids[1], ids[0])
	}
}

func TestBoltStore_Stats(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store, _ := NewBoltStore(db)
	ctx := context.Background()

	a := newTestDocument("tmpl-1", "issuer-1", "0x01")
	store.Create(ctx, a)
	store.Create(ctx, newTestDocument("tmpl-1", "issuer-1", "0x02"))
	store.Create(ctx, newTestDocument("tmpl-1", "issuer-2", "0x03"))
	store.UpdateStatus(ctx, a.ID, StatusRevoked)

	stats, err := store.Stats(ctx, "issuer-1")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 2 || stats.Valid != 1 || stats.Revoked != 1 {
		t.Errorf("Stats() = %+v, want total 2 valid 1 revoked 1", stats)
	}
}

func TestNewID_Sortable(t *testing.T) {
	prev := NewID()
	for i := 0; i < 100; i++ {
		next := NewID()
		if next <= prev {
			t.Fatalf("NewID() not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}
