package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/chaindoc/internal/chain"
	"github.com/foxzi/chaindoc/internal/compiler"
	"github.com/foxzi/chaindoc/internal/document"
	"github.com/foxzi/chaindoc/internal/integrity"
	"github.com/foxzi/chaindoc/internal/ratelimit"
	"github.com/foxzi/chaindoc/internal/template"
)

type fakeCompiler struct {
	mu      sync.Mutex
	err     error
	sources []string
}

func (c *fakeCompiler) Compile(ctx context.Context, source string) (*compiler.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, source)
	if c.err != nil {
		return nil, c.err
	}
	return &compiler.Result{
		ABI:          json.RawMessage(`[]`),
		Bytecode:     "0x6080604052",
		ContractName: "TestDocument",
	}, nil
}

func (c *fakeCompiler) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sources)
}

type fakeRecord struct {
	fields  map[string]string
	revoked bool
	issued  time.Time
}

// fakeChain keeps contracts in memory and hashes like the real contract
// is fed: integrity.Hash over the ref's field order.
type fakeChain struct {
	mu        sync.Mutex
	operator  common.Address
	deployErr error
	issueErr  error
	noCode    bool
	deployed  int
	issued    int
	contracts map[common.Address]map[common.Hash]*fakeRecord
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		operator:  common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
		contracts: make(map[common.Address]map[common.Hash]*fakeRecord),
	}
}

func (c *fakeChain) Network() string { return "hardhat" }

func (c *fakeChain) Deploy(ctx context.Context, abiJSON, bytecode string) (*chain.Deployment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deployErr != nil {
		return nil, c.deployErr
	}
	c.deployed++
	addr := common.BigToAddress(big.NewInt(int64(0x1000 + c.deployed)))
	if !c.noCode {
		c.contracts[addr] = make(map[common.Hash]*fakeRecord)
	}
	return &chain.Deployment{Address: addr, TxHash: common.BigToHash(big.NewInt(int64(c.deployed))), BlockNumber: 1}, nil
}

func (c *fakeChain) VerifyDeployment(ctx context.Context, address string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.contracts[common.HexToAddress(address)]
	return ok, nil
}

func (c *fakeChain) contract(ref chain.ContractRef) (map[common.Hash]*fakeRecord, error) {
	if !common.IsHexAddress(ref.Address) {
		return nil, chain.ErrInvalidAddress
	}
	docs, ok := c.contracts[common.HexToAddress(ref.Address)]
	if !ok {
		return nil, &chain.BlockchainError{Op: "call", Err: fmt.Errorf("no contract at %s", ref.Address)}
	}
	return docs, nil
}

func (c *fakeChain) IssueDocument(ctx context.Context, ref chain.ContractRef, fields map[string]string, gasLimit uint64) (*chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued++
	if c.issueErr != nil {
		return nil, c.issueErr
	}
	docs, err := c.contract(ref)
	if err != nil {
		return nil, err
	}
	hash := integrity.Hash(ref.FieldOrder, fields)
	if _, exists := docs[hash]; exists {
		return nil, fmt.Errorf("%w: %s", chain.ErrDuplicateDocument, hash.Hex())
	}
	stored := make(map[string]string, len(ref.FieldOrder))
	for _, key := range ref.FieldOrder {
		stored[key] = fields[key]
	}
	docs[hash] = &fakeRecord{fields: stored, issued: time.Unix(1700000000, 0)}
	return &chain.Receipt{DocHash: hash, TxHash: common.BigToHash(big.NewInt(int64(1000 + c.issued))), BlockNumber: 2}, nil
}

func (c *fakeChain) VerifyDocument(ctx context.Context, ref chain.ContractRef, fields map[string]string) (*chain.DocumentStatus, error) {
	return c.VerifyHash(ctx, ref, integrity.Hash(ref.FieldOrder, fields))
}

func (c *fakeChain) VerifyHash(ctx context.Context, ref chain.ContractRef, docHash common.Hash) (*chain.DocumentStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs, err := c.contract(ref)
	if err != nil {
		return nil, err
	}
	rec, ok := docs[docHash]
	if !ok {
		return &chain.DocumentStatus{DocHash: docHash}, nil
	}
	return &chain.DocumentStatus{
		DocHash:   docHash,
		Exists:    true,
		IsValid:   !rec.revoked,
		Issuer:    c.operator,
		Timestamp: rec.issued,
	}, nil
}

func (c *fakeChain) ReadDocumentFields(ctx context.Context, ref chain.ContractRef, docHash common.Hash) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs, err := c.contract(ref)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if rec, ok := docs[docHash]; ok {
		for k, v := range rec.fields {
			out[k] = v
		}
	}
	return out, nil
}

func (c *fakeChain) RevokeDocument(ctx context.Context, ref chain.ContractRef, docHash common.Hash) (*chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs, err := c.contract(ref)
	if err != nil {
		return nil, err
	}
	rec, ok := docs[docHash]
	if !ok {
		return nil, &chain.BlockchainError{Op: "revoke", Err: fmt.Errorf("document %s not found", docHash.Hex())}
	}
	rec.revoked = true
	return &chain.Receipt{DocHash: docHash, TxHash: common.BigToHash(big.NewInt(9999))}, nil
}

// tamper overwrites a field stored on-chain
func (c *fakeChain) tamper(address, hash, key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contracts[common.HexToAddress(address)][common.HexToHash(hash)].fields[key] = value
}

type fakeLimiter struct {
	deny     bool
	calls    int
	released int
}

func (l *fakeLimiter) Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error) {
	l.calls++
	if l.deny {
		return &ratelimit.Result{DeniedBy: ratelimit.LevelIssuer, DeniedKey: "issuer:" + req.IssuerID, RetryAfter: time.Minute}, nil
	}
	return &ratelimit.Result{Allowed: true, ReservedAt: time.Now()}, nil
}

func (l *fakeLimiter) Release(ctx context.Context, req *ratelimit.Request, reservedAt time.Time) error {
	if reservedAt.IsZero() {
		return errors.New("release without reservation")
	}
	l.calls--
	l.released++
	return nil
}

func (l *fakeLimiter) Check(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error) {
	if l.deny {
		return &ratelimit.Result{DeniedBy: ratelimit.LevelIssuer, RetryAfter: 90 * time.Second}, nil
	}
	return &ratelimit.Result{Allowed: true}, nil
}

func (l *fakeLimiter) GetStats(ctx context.Context, level ratelimit.Level, key string) (*ratelimit.Stats, error) {
	return &ratelimit.Stats{Level: level, Key: key, HourlyCount: l.calls, DailyCount: l.calls}, nil
}

type fakeNotifier struct {
	err  error
	sent []string
}

func (n *fakeNotifier) NotifyIssued(ctx context.Context, doc *document.Document, tmpl *template.Template) error {
	n.sent = append(n.sent, doc.ID)
	return n.err
}

type testEnv struct {
	pipeline  *Pipeline
	chain     *fakeChain
	compiler  *fakeCompiler
	limiter   *fakeLimiter
	notifier  *fakeNotifier
	templates *template.BoltStore
	documents *document.BoltStore
}

func setupTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "pipeline.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	templates, err := template.NewBoltStore(db)
	if err != nil {
		t.Fatal(err)
	}
	documents, err := document.NewBoltStore(db)
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		chain:     newFakeChain(),
		compiler:  &fakeCompiler{},
		limiter:   &fakeLimiter{},
		notifier:  &fakeNotifier{},
		templates: templates,
		documents: documents,
	}
	env.pipeline = New(Options{
		Compiler:  env.compiler,
		Chain:     env.chain,
		Templates: templates,
		Documents: documents,
		Limiter:   env.limiter,
		Notifier:  env.notifier,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return env
}

const certificateSVG = `<svg xmlns="http://www.w3.org/2000/svg"><text>{{ name }}</text><text>{{date}}</text></svg>`

func certificateInput(name string) TemplateInput {
	return TemplateInput{
		Name:        name,
		SVGTemplate: certificateSVG,
		Variables: []template.Variable{
			{Key: "name", Required: true},
			{Key: "date", Type: template.VarTypeDate},
		},
	}
}

func (e *testEnv) createTemplate(t *testing.T, issuer, name string) *template.Template {
	t.Helper()
	tmpl, err := e.pipeline.CreateTemplate(context.Background(), issuer, certificateInput(name))
	if err != nil {
		t.Fatalf("CreateTemplate() error = %v", err)
	}
	return tmpl
}

func (e *testEnv) storedTemplates(t *testing.T) int64 {
	t.Helper()
	_, total, err := e.templates.List(context.Background(), template.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	return total
}

func noPlaceholders(s string) bool {
	return !strings.Contains(s, "{{") && !strings.Contains(s, "}}")
}
