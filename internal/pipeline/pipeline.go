// Package pipeline orchestrates template deployment, document issuance and
// verification. It is the only layer that decides what gets persisted.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/foxzi/chaindoc/internal/chain"
	"github.com/foxzi/chaindoc/internal/compiler"
	"github.com/foxzi/chaindoc/internal/document"
	"github.com/foxzi/chaindoc/internal/ratelimit"
	"github.com/foxzi/chaindoc/internal/template"
)

// Compiler turns contract source into an ABI and bytecode
type Compiler interface {
	Compile(ctx context.Context, source string) (*compiler.Result, error)
}

// Chain is the blockchain surface the pipeline drives
type Chain interface {
	Network() string
	Deploy(ctx context.Context, abiJSON, bytecode string) (*chain.Deployment, error)
	VerifyDeployment(ctx context.Context, address string) (bool, error)
	IssueDocument(ctx context.Context, ref chain.ContractRef, fields map[string]string, gasLimit uint64) (*chain.Receipt, error)
	VerifyDocument(ctx context.Context, ref chain.ContractRef, fields map[string]string) (*chain.DocumentStatus, error)
	VerifyHash(ctx context.Context, ref chain.ContractRef, docHash common.Hash) (*chain.DocumentStatus, error)
	ReadDocumentFields(ctx context.Context, ref chain.ContractRef, docHash common.Hash) (map[string]string, error)
	RevokeDocument(ctx context.Context, ref chain.ContractRef, docHash common.Hash) (*chain.Receipt, error)
}

// RateLimiter gates issuance
type RateLimiter interface {
	Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
	Release(ctx context.Context, req *ratelimit.Request, reservedAt time.Time) error
	Check(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
	GetStats(ctx context.Context, level ratelimit.Level, key string) (*ratelimit.Stats, error)
}

// Notifier tells a recipient their document was issued
type Notifier interface {
	NotifyIssued(ctx context.Context, doc *document.Document, tmpl *template.Template) error
}

// Options contains the collaborators of a Pipeline. Limiter, Notifier and
// StoreHealth are optional.
type Options struct {
	Compiler    Compiler
	Chain       Chain
	Templates   template.Store
	Documents   document.Store
	Engine      *template.Engine
	Limiter     RateLimiter
	Notifier    Notifier
	StoreHealth func(ctx context.Context) error
	// NotifyTimeout bounds a single notification. Default: 30s
	NotifyTimeout time.Duration
	Logger        *slog.Logger
}

// Pipeline runs the Template -> Contract -> Document flow
type Pipeline struct {
	compiler      Compiler
	chain         Chain
	templates     template.Store
	documents     document.Store
	engine        *template.Engine
	limiter       RateLimiter
	notifier      Notifier
	storeHealth   func(ctx context.Context) error
	notifyTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// New creates a pipeline
func New(opts Options) *Pipeline {
	engine := opts.Engine
	if engine == nil {
		engine = template.NewEngine()
	}
	notifyTimeout := opts.NotifyTimeout
	if notifyTimeout == 0 {
		notifyTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		compiler:      opts.Compiler,
		chain:         opts.Chain,
		templates:     opts.Templates,
		documents:     opts.Documents,
		engine:        engine,
		limiter:       opts.Limiter,
		notifier:      opts.Notifier,
		storeHealth:   opts.StoreHealth,
		notifyTimeout: notifyTimeout,
		logger:        logger.With("component", "pipeline"),
		now:           time.Now,
	}
}

// Engine returns the template renderer
func (p *Pipeline) Engine() *template.Engine {
	return p.engine
}

func contractRef(tmpl *template.Template) chain.ContractRef {
	return chain.ContractRef{
		Address:    tmpl.Contract.DeployedAddress,
		ABI:        string(tmpl.Contract.ABI),
		FieldOrder: tmpl.Contract.FieldOrder,
	}
}

// documentRef addresses the contract a document was issued on. Records
// without a stored field order fall back to the template's artifact.
func documentRef(doc *document.Document, tmpl *template.Template) chain.ContractRef {
	ref := contractRef(tmpl)
	ref.Address = doc.Blockchain.ContractAddress
	if len(doc.Blockchain.FieldOrder) > 0 && len(doc.Blockchain.ABI) > 0 {
		ref.ABI = string(doc.Blockchain.ABI)
		ref.FieldOrder = doc.Blockchain.FieldOrder
	}
	return ref
}
