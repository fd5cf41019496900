package app

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxzi/chaindoc/internal/config"
	"github.com/foxzi/chaindoc/internal/document"
	"github.com/foxzi/chaindoc/internal/template"
)

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		cfg       config.LoggingConfig
		debug     bool
		wantJSON  bool
		wantError bool
	}{
		{config.LoggingConfig{Level: "debug", Format: "json"}, true, true, true},
		{config.LoggingConfig{Level: "info", Format: "text"}, false, false, true},
		{config.LoggingConfig{Level: "error", Format: "json"}, false, true, true},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		logger := setupLogger(tt.cfg, &buf)
		logger.Debug("debug line")
		logger.Error("error line")

		out := buf.String()
		if strings.Contains(out, "debug line") != tt.debug {
			t.Errorf("%+v: debug logged = %v, want %v", tt.cfg, !tt.debug, tt.debug)
		}
		if strings.Contains(out, "error line") != tt.wantError {
			t.Errorf("%+v: error line missing", tt.cfg)
		}
		if strings.HasPrefix(out, "{") != tt.wantJSON {
			t.Errorf("%+v: output %q, want json = %v", tt.cfg, out, tt.wantJSON)
		}
	}
}

func TestBoltStoresStats(t *testing.T) {
	db, err := openBolt(filepath.Join(t.TempDir(), "nested", "chaindoc.db"))
	if err != nil {
		t.Fatalf("openBolt() error = %v", err)
	}
	defer db.Close()

	stores, err := boltStores(db)
	if err != nil {
		t.Fatalf("boltStores() error = %v", err)
	}
	if stores.Health != nil {
		t.Error("bolt stores should not need a health probe")
	}

	ctx := context.Background()
	for _, issuer := range []string{"a", "b"} {
		if err := stores.Templates.Create(ctx, &template.Template{Name: "T", CreatedBy: issuer}); err != nil {
			t.Fatal(err)
		}
	}
	if err := stores.Documents.Create(ctx, &document.Document{IssuerID: "a", TemplateID: "t-1", Blockchain: document.BlockchainRecord{
		ContractAddress: "0x0000000000000000000000000000000000001001",
		DocumentHash:    "0x01",
	}}); err != nil {
		t.Fatal(err)
	}

	stats, err := stores.StoreStats(ctx)
	if err != nil {
		t.Fatalf("StoreStats() error = %v", err)
	}
	if stats.Templates != 2 || stats.Documents != 1 {
		t.Errorf("StoreStats() = %+v, want counts across issuers", stats)
	}
}
