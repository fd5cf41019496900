package pipeline

import (
	"context"
	"math"

	"github.com/foxzi/chaindoc/internal/document"
	"github.com/foxzi/chaindoc/internal/ratelimit"
	"github.com/foxzi/chaindoc/internal/template"
)

// Page size bounds
const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Pagination describes one page of a listing
type Pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
	Pages int64 `json:"pages"`
}

// TemplatePage is one page of templates
type TemplatePage struct {
	Templates  []*template.Template `json:"templates"`
	Pagination Pagination           `json:"pagination"`
}

// DocumentPage is one page of documents
type DocumentPage struct {
	Documents  []*document.Document `json:"documents"`
	Pagination Pagination           `json:"pagination"`
}

// Dashboard summarises an issuer's templates and documents
type Dashboard struct {
	Templates template.Stats `json:"templates"`
	Documents document.Stats `json:"documents"`
	Status    DashboardState `json:"status"`
	// Issuance is nil when rate limiting is disabled
	Issuance *IssuanceUsage `json:"issuance,omitempty"`
}

// IssuanceUsage reports the issuer's rate limit counters
type IssuanceUsage struct {
	HourlyCount int  `json:"hourlyCount"`
	DailyCount  int  `json:"dailyCount"`
	Allowed     bool `json:"allowed"`
	// RetryAfter is in seconds and set only when Allowed is false
	RetryAfter int `json:"retryAfter,omitempty"`
}

// DashboardState reports collaborator health
type DashboardState struct {
	Storage string `json:"storage"`
	Network string `json:"network"`
}

// NormalizePage clamps page and limit to valid values
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}

func newPagination(page, limit int, total int64) Pagination {
	pages := total / int64(limit)
	if total%int64(limit) != 0 {
		pages++
	}
	return Pagination{Page: page, Limit: limit, Total: total, Pages: pages}
}

// ListTemplates returns one page of the issuer's templates, newest first
func (p *Pipeline) ListTemplates(ctx context.Context, issuerID string, page, limit int, search string) (*TemplatePage, error) {
	page, limit = NormalizePage(page, limit)

	items, total, err := p.templates.List(ctx, template.ListFilter{
		Limit:     limit,
		Offset:    (page - 1) * limit,
		Search:    search,
		CreatedBy: issuerID,
	})
	if err != nil {
		return nil, err
	}
	return &TemplatePage{Templates: items, Pagination: newPagination(page, limit, total)}, nil
}

// ListDocuments returns one page of the issuer's documents, newest first
func (p *Pipeline) ListDocuments(ctx context.Context, issuerID string, page, limit int, templateID string) (*DocumentPage, error) {
	page, limit = NormalizePage(page, limit)

	items, total, err := p.documents.List(ctx, document.ListFilter{
		Limit:      limit,
		Offset:     (page - 1) * limit,
		TemplateID: templateID,
		IssuerID:   issuerID,
	})
	if err != nil {
		return nil, err
	}
	return &DocumentPage{Documents: items, Pagination: newPagination(page, limit, total)}, nil
}

// Dashboard returns counts for the issuer and collaborator status
func (p *Pipeline) Dashboard(ctx context.Context, issuerID string) (*Dashboard, error) {
	tmplStats, err := p.templates.Stats(ctx, issuerID)
	if err != nil {
		return nil, err
	}
	docStats, err := p.documents.Stats(ctx, issuerID)
	if err != nil {
		return nil, err
	}

	state := DashboardState{Storage: "ok", Network: p.chain.Network()}
	if p.storeHealth != nil {
		if err := p.storeHealth(ctx); err != nil {
			p.logger.Warn("storage health check failed", "error", err)
			state.Storage = "unavailable"
		}
	}

	dash := &Dashboard{Templates: *tmplStats, Documents: *docStats, Status: state}
	if p.limiter != nil {
		usage, err := p.issuanceUsage(ctx, issuerID)
		if err != nil {
			return nil, err
		}
		dash.Issuance = usage
	}
	return dash, nil
}

func (p *Pipeline) issuanceUsage(ctx context.Context, issuerID string) (*IssuanceUsage, error) {
	stats, err := p.limiter.GetStats(ctx, ratelimit.LevelIssuer, issuerID)
	if err != nil {
		return nil, err
	}
	result, err := p.limiter.Check(ctx, &ratelimit.Request{IssuerID: issuerID})
	if err != nil {
		return nil, err
	}

	usage := &IssuanceUsage{
		HourlyCount: stats.HourlyCount,
		DailyCount:  stats.DailyCount,
		Allowed:     result.Allowed,
	}
	if !result.Allowed {
		usage.RetryAfter = int(math.Ceil(result.RetryAfter.Seconds()))
	}
	return usage, nil
}
