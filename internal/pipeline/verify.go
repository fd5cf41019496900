package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/foxzi/chaindoc/internal/chain"
	"github.com/foxzi/chaindoc/internal/document"
	"github.com/foxzi/chaindoc/internal/integrity"
	"github.com/foxzi/chaindoc/internal/metrics"
	"github.com/foxzi/chaindoc/internal/template"
)

// Reasons a verified document is not valid
const (
	ReasonHashMismatch = "hash_mismatch"
	ReasonNotOnChain   = "not_on_chain"
	ReasonRevoked      = "revoked"
	reasonStatusPrefix = "status_"
)

// VerifyRequest selects one of three verification modes: by DocumentID, by
// ContractAddress and DocumentHash, or by TemplateID and Data.
type VerifyRequest struct {
	DocumentID      string
	ContractAddress string
	DocumentHash    string
	TemplateID      string
	Data            map[string]string
}

// VerifyResult is the outcome of a verification. An invalid document is a
// result, not an error.
type VerifyResult struct {
	IsValid         bool       `json:"isValid"`
	Exists          bool       `json:"exists"`
	Issuer          string     `json:"issuer,omitempty"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
	DocumentHash    string     `json:"documentHash"`
	DocumentID      string     `json:"documentId,omitempty"`
	TemplateID      string     `json:"templateId"`
	ContractAddress string     `json:"contractAddress"`
	Network         string     `json:"network,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	Message         string     `json:"message"`
	RenderedSVG     string     `json:"renderedSvg,omitempty"`
}

// VerifyDocument checks a document against the chain
func (p *Pipeline) VerifyDocument(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	p.logger.Debug("verify stage", "stage", "requested")

	var (
		result *VerifyResult
		err    error
	)
	switch {
	case req.DocumentID != "":
		result, err = p.verifyByID(ctx, req.DocumentID)
	case req.ContractAddress != "" || req.DocumentHash != "":
		result, err = p.verifyByHash(ctx, req.ContractAddress, req.DocumentHash)
	case req.TemplateID != "":
		result, err = p.verifyByData(ctx, req.TemplateID, req.Data)
	default:
		err = invalid("documentId, contractAddress and documentHash, or templateId and data are required")
	}

	if err != nil {
		metrics.IncVerifications("error")
		p.logger.Debug("verify stage", "stage", "failed", "error", err)
		return nil, err
	}

	if result.IsValid {
		metrics.IncVerifications("valid")
	} else {
		metrics.IncVerifications("invalid")
	}
	p.logger.Debug("verify stage", "stage", "done", "valid", result.IsValid, "reason", result.Reason)
	return result, nil
}

func (p *Pipeline) verifyByID(ctx context.Context, id string) (*VerifyResult, error) {
	doc, err := p.GetDocument(ctx, "", id)
	if err != nil {
		return nil, err
	}
	return p.verifyStored(ctx, doc)
}

func (p *Pipeline) verifyByHash(ctx context.Context, address, hash string) (*VerifyResult, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: %w: %q", ErrValidation, chain.ErrInvalidAddress, address)
	}
	raw, err := hexutil.Decode(hash)
	if err != nil || len(raw) != common.HashLength {
		return nil, invalid("documentHash must be a 0x-prefixed 32-byte hex string")
	}

	doc, err := p.documents.FindByHash(ctx, common.HexToAddress(address).Hex(), common.BytesToHash(raw).Hex())
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			return nil, notFound(err)
		}
		return nil, err
	}
	return p.verifyStored(ctx, doc)
}

// verifyStored reads the fields back from the chain, recomputes the hash
// and compares it with the stored one
func (p *Pipeline) verifyStored(ctx context.Context, doc *document.Document) (*VerifyResult, error) {
	tmpl, err := p.GetTemplate(ctx, "", doc.TemplateID)
	if err != nil {
		return nil, err
	}
	ref := documentRef(doc, tmpl)
	storedHash := common.HexToHash(doc.Blockchain.DocumentHash)

	p.logger.Debug("verify stage", "stage", "chain_read", "document_id", doc.ID)
	status, err := p.chain.VerifyHash(ctx, ref, storedHash)
	if err != nil {
		return nil, err
	}

	result := newResult(tmpl, ref.Address, p.chain.Network(), status)
	result.DocumentID = doc.ID
	result.DocumentHash = storedHash.Hex()

	fields := doc.Data
	if status.Exists {
		onChain, err := p.chain.ReadDocumentFields(ctx, ref, storedHash)
		if err != nil {
			return nil, err
		}
		fields = onChain

		p.logger.Debug("verify stage", "stage", "hash_compare", "document_id", doc.ID)
		if recomputed := integrity.Hash(ref.FieldOrder, onChain); recomputed != storedHash {
			result.Reason = ReasonHashMismatch
		}
	}

	decide(result, status, doc.Status)
	result.RenderedSVG = p.engine.Render(tmpl.SVGTemplate, fields)
	return result, nil
}

func (p *Pipeline) verifyByData(ctx context.Context, templateID string, data map[string]string) (*VerifyResult, error) {
	tmpl, err := p.GetTemplate(ctx, "", templateID)
	if err != nil {
		return nil, err
	}
	if !tmpl.Contract.Deployed() {
		return nil, invalid("template %s has no deployed contract", tmpl.ID)
	}
	ref := contractRef(tmpl)

	p.logger.Debug("verify stage", "stage", "chain_read", "template_id", tmpl.ID)
	status, err := p.chain.VerifyDocument(ctx, ref, data)
	if err != nil {
		return nil, err
	}

	result := newResult(tmpl, ref.Address, p.chain.Network(), status)
	result.DocumentHash = status.DocHash.Hex()

	// Data that hashes to nothing recorded does not match any issued document.
	storedStatus := document.StatusValid
	if !status.Exists {
		result.Reason = ReasonHashMismatch
	} else {
		doc, err := p.documents.FindByHash(ctx, ref.Address, result.DocumentHash)
		switch {
		case err == nil:
			result.DocumentID = doc.ID
			storedStatus = doc.Status
		case !errors.Is(err, document.ErrNotFound):
			return nil, err
		}
	}

	decide(result, status, storedStatus)
	result.RenderedSVG = p.engine.Render(tmpl.SVGTemplate, data)
	return result, nil
}

func newResult(tmpl *template.Template, address, network string, status *chain.DocumentStatus) *VerifyResult {
	result := &VerifyResult{
		Exists:          status.Exists,
		TemplateID:      tmpl.ID,
		ContractAddress: address,
		Network:         network,
	}
	if status.Exists {
		result.Issuer = status.Issuer.Hex()
		ts := status.Timestamp.UTC()
		result.Timestamp = &ts
	}
	return result
}

// decide sets IsValid, Reason and Message. A reason already set by the
// hash comparison wins.
func decide(result *VerifyResult, status *chain.DocumentStatus, storedStatus string) {
	if result.Reason == "" {
		switch {
		case !status.Exists:
			result.Reason = ReasonNotOnChain
		case !status.IsValid:
			result.Reason = ReasonRevoked
		case storedStatus != document.StatusValid:
			result.Reason = reasonStatusPrefix + storedStatus
		}
	}
	result.IsValid = result.Reason == ""
	result.Message = reasonMessage(result.Reason)
}

func reasonMessage(reason string) string {
	switch reason {
	case "":
		return "Document is authentic and valid"
	case ReasonHashMismatch:
		return "Document data does not match the recorded hash"
	case ReasonNotOnChain:
		return "Document is not recorded on the blockchain"
	case ReasonRevoked:
		return "Document has been revoked"
	default:
		return "Document is not valid: " + reason[len(reasonStatusPrefix):]
	}
}
