package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/foxzi/chaindoc/internal/document"
	"github.com/foxzi/chaindoc/internal/metrics"
	"github.com/foxzi/chaindoc/internal/ratelimit"
	"github.com/foxzi/chaindoc/internal/template"
)

// DateLayout is the accepted format of date variables
const DateLayout = "2006-01-02"

// IssueInput describes a document to issue
type IssueInput struct {
	TemplateID string
	IssuedTo   document.Recipient
	Data       map[string]string
	FileName   string
}

// Rendered is a rendered document artifact
type Rendered struct {
	SVG         string `json:"renderedSvg"`
	ContentType string `json:"contentType"`
}

// IssueDocument validates the input against the template, records the
// document on-chain and stores it. Input problems are reported before any
// chain call; a chain failure stores nothing.
func (p *Pipeline) IssueDocument(ctx context.Context, issuerID string, in IssueInput) (*document.Document, error) {
	if in.TemplateID == "" {
		return nil, invalid("templateId is required")
	}
	tmpl, err := p.GetTemplate(ctx, issuerID, in.TemplateID)
	if err != nil {
		return nil, err
	}
	if !tmpl.Contract.Deployed() || len(tmpl.Contract.FieldOrder) == 0 {
		return nil, invalid("template %s has no deployed contract", tmpl.ID)
	}

	fields, err := issuanceFields(tmpl, in)
	if err != nil {
		return nil, err
	}

	log := p.logger.With("template_id", tmpl.ID, "issuer", issuerID)
	log.Debug("document stage", "stage", "pending")

	release, err := p.allow(ctx, issuerID, tmpl.ID)
	if err != nil {
		return nil, err
	}

	log.Debug("document stage", "stage", "chain_write", "contract", tmpl.Contract.DeployedAddress)
	receipt, err := p.chain.IssueDocument(ctx, contractRef(tmpl), fields, 0)
	if err != nil {
		metrics.IncPipelineFailure(metrics.StageIssue)
		release(ctx)
		if errors.Is(err, ErrDuplicateDocument) {
			log.Warn("duplicate issuance rejected", "error", err)
		} else {
			log.Error("issuance failed", "error", err)
		}
		return nil, err
	}

	fileName := in.FileName
	if fileName == "" {
		fileName = defaultFileName(tmpl)
	}
	doc := &document.Document{
		TemplateID: tmpl.ID,
		IssuedTo:   in.IssuedTo,
		Data:       fields,
		FileName:   fileName,
		Blockchain: document.BlockchainRecord{
			ContractAddress: tmpl.Contract.DeployedAddress,
			Network:         p.chain.Network(),
			TxHash:          receipt.TxHash.Hex(),
			DocumentHash:    receipt.DocHash.Hex(),
			BlockNumber:     receipt.BlockNumber,
			FieldOrder:      append([]string(nil), tmpl.Contract.FieldOrder...),
			ABI:             tmpl.Contract.ABI,
		},
		IssuerID: issuerID,
		IssuedAt: p.now().UTC(),
		Status:   document.StatusValid,
	}
	if err := p.documents.Create(ctx, doc); err != nil {
		metrics.IncPipelineFailure(metrics.StagePersist)
		log.Error("issued document not stored",
			"tx", doc.Blockchain.TxHash,
			"doc_hash", doc.Blockchain.DocumentHash,
			"error", err,
		)
		return nil, fmt.Errorf("failed to store document: %w", err)
	}

	metrics.IncDocumentsIssued()
	log.Debug("document stage", "stage", "recorded", "id", doc.ID)
	log.Info("document issued",
		"id", doc.ID,
		"doc_hash", doc.Blockchain.DocumentHash,
		"tx", doc.Blockchain.TxHash,
	)

	p.notify(ctx, doc, tmpl)
	return doc, nil
}

// issuanceFields checks data against the template variables and returns a
// value for every variable, "" for absent optional ones
func issuanceFields(tmpl *template.Template, in IssueInput) (map[string]string, error) {
	var problems []string
	if strings.TrimSpace(in.IssuedTo.Name) == "" {
		problems = append(problems, "issuedTo.name is required")
	}

	declared := make(map[string]template.Variable, len(tmpl.Variables))
	for _, v := range tmpl.Variables {
		declared[v.Key] = v
	}

	var unknown []string
	for key := range in.Data {
		if _, ok := declared[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		problems = append(problems, "unknown fields: "+strings.Join(unknown, ", "))
	}

	fields := make(map[string]string, len(tmpl.Contract.FieldOrder))
	var missing []string
	for _, key := range tmpl.Contract.FieldOrder {
		value := in.Data[key]
		v := declared[key]
		if v.Required && strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
		if v.Type == template.VarTypeDate && value != "" {
			if _, err := time.Parse(DateLayout, value); err != nil {
				problems = append(problems, fmt.Sprintf("field %q must be a date (YYYY-MM-DD)", key))
			}
		}
		fields[key] = value
	}
	if len(missing) > 0 {
		problems = append(problems, "missing required fields: "+strings.Join(missing, ", "))
	}

	if len(problems) > 0 {
		return nil, invalid("%s", strings.Join(problems, "; "))
	}
	return fields, nil
}

// allow reserves quota for one issuance. The returned func gives the
// reservation back when no transaction was mined.
func (p *Pipeline) allow(ctx context.Context, issuerID, templateID string) (func(context.Context), error) {
	noop := func(context.Context) {}
	if p.limiter == nil {
		return noop, nil
	}
	req := &ratelimit.Request{IssuerID: issuerID, TemplateID: templateID}
	result, err := p.limiter.Allow(ctx, req)
	if err != nil {
		p.logger.Error("rate limit check error", "error", err)
		return noop, nil
	}
	if !result.Allowed {
		p.logger.Warn("rate limit exceeded",
			"level", result.DeniedBy,
			"key", result.DeniedKey,
			"retry_after", result.RetryAfter,
		)
		return nil, &RateLimitError{Level: string(result.DeniedBy), RetryAfter: result.RetryAfter}
	}
	return func(ctx context.Context) {
		if err := p.limiter.Release(context.WithoutCancel(ctx), req, result.ReservedAt); err != nil {
			p.logger.Warn("rate limit release failed", "error", err)
		}
	}, nil
}

// notify runs after persistence; its failure never undoes an issuance
func (p *Pipeline) notify(ctx context.Context, doc *document.Document, tmpl *template.Template) {
	if p.notifier == nil || doc.IssuedTo.Email == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.notifyTimeout)
	defer cancel()

	if err := p.notifier.NotifyIssued(ctx, doc, tmpl); err != nil {
		p.logger.Warn("issuance notification failed",
			"document_id", doc.ID,
			"error", err,
		)
	}
}

func defaultFileName(tmpl *template.Template) string {
	if tmpl.FileName != "" {
		return tmpl.FileName
	}
	var b strings.Builder
	for _, r := range strings.ToLower(tmpl.Name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "document"
	}
	return name + ".svg"
}

// GetDocument returns one of the issuer's documents
func (p *Pipeline) GetDocument(ctx context.Context, issuerID, id string) (*document.Document, error) {
	doc, err := p.documents.Get(ctx, id)
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			return nil, notFound(err)
		}
		return nil, err
	}
	if issuerID != "" && doc.IssuerID != issuerID {
		return nil, notFound(document.ErrNotFound)
	}
	return doc, nil
}

// RevokeDocument revokes the document on-chain, then marks it revoked.
// Revoking a revoked document is a no-op.
func (p *Pipeline) RevokeDocument(ctx context.Context, issuerID, id string) (*document.Document, error) {
	doc, err := p.GetDocument(ctx, issuerID, id)
	if err != nil {
		return nil, err
	}
	if doc.Status == document.StatusRevoked {
		return doc, nil
	}

	tmpl, err := p.GetTemplate(ctx, "", doc.TemplateID)
	if err != nil {
		return nil, err
	}

	receipt, err := p.chain.RevokeDocument(ctx, documentRef(doc, tmpl), common.HexToHash(doc.Blockchain.DocumentHash))
	if err != nil {
		metrics.IncPipelineFailure(metrics.StageRevoke)
		p.logger.Error("revocation failed", "id", id, "error", err)
		return nil, err
	}

	if err := p.documents.UpdateStatus(ctx, id, document.StatusRevoked); err != nil {
		metrics.IncPipelineFailure(metrics.StagePersist)
		p.logger.Error("revoked document status not stored",
			"id", id,
			"tx", receipt.TxHash.Hex(),
			"error", err,
		)
		return nil, fmt.Errorf("failed to update document status: %w", err)
	}
	doc.Status = document.StatusRevoked

	metrics.IncDocumentsRevoked()
	p.logger.Info("document revoked", "id", id, "tx", receipt.TxHash.Hex())
	return doc, nil
}

// RenderDocument fills a template with data without issuing anything
func (p *Pipeline) RenderDocument(ctx context.Context, issuerID, templateID string, data map[string]string) (*Rendered, error) {
	if templateID == "" {
		return nil, invalid("templateId is required")
	}
	tmpl, err := p.GetTemplate(ctx, issuerID, templateID)
	if err != nil {
		return nil, err
	}
	return &Rendered{
		SVG:         p.engine.Render(tmpl.SVGTemplate, data),
		ContentType: template.ContentType,
	}, nil
}
