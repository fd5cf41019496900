package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/chaindoc/internal/document"
	"github.com/foxzi/chaindoc/internal/pipeline"
)

// IssueRequest is the request body for POST /documents
type IssueRequest struct {
	TemplateID string             `json:"templateId"`
	IssuedTo   document.Recipient `json:"issuedTo"`
	Data       map[string]string  `json:"data"`
	FileName   string             `json:"fileName"`
}

// IssueResponse is the response for POST /documents
type IssueResponse struct {
	ID              string `json:"id"`
	ContractAddress string `json:"contractAddress"`
	DocumentHash    string `json:"documentHash"`
	TxHash          string `json:"txHash"`
	Status          string `json:"status"`
}

// RenderRequest is the request body for POST /documents/render
type RenderRequest struct {
	TemplateID string            `json:"templateId"`
	Data       map[string]string `json:"data"`
}

// VerifyRequest is the request body for POST /documents/verify
type VerifyRequest struct {
	DocumentID      string            `json:"documentId"`
	ContractAddress string            `json:"contractAddress"`
	DocumentHash    string            `json:"documentHash"`
	TemplateID      string            `json:"templateId"`
	Data            map[string]string `json:"data"`
}

// StatusResponse is the response for POST /documents/{id}/revoke
type StatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// handleIssueDocument handles POST /api/v1/documents
func (s *Server) handleIssueDocument(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if !s.decode(w, r, &req) {
		return
	}

	doc, err := s.service.IssueDocument(r.Context(), IssuerFromContext(r.Context()), pipeline.IssueInput{
		TemplateID: req.TemplateID,
		IssuedTo:   req.IssuedTo,
		Data:       req.Data,
		FileName:   req.FileName,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.sendData(w, http.StatusCreated, IssueResponse{
		ID:              doc.ID,
		ContractAddress: doc.Blockchain.ContractAddress,
		DocumentHash:    doc.Blockchain.DocumentHash,
		TxHash:          doc.Blockchain.TxHash,
		Status:          doc.Status,
	}, "Document issued")
}

// handleListDocuments handles GET /api/v1/documents
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	page, err := s.service.ListDocuments(r.Context(), IssuerFromContext(r.Context()),
		queryInt(r, "page"), queryInt(r, "limit"), r.URL.Query().Get("templateId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendData(w, http.StatusOK, page, "")
}

// handleGetDocument handles GET /api/v1/documents/{id}
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.GetDocument(r.Context(), IssuerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendData(w, http.StatusOK, doc, "")
}

// handleRevokeDocument handles POST /api/v1/documents/{id}/revoke
func (s *Server) handleRevokeDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.RevokeDocument(r.Context(), IssuerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendData(w, http.StatusOK, StatusResponse{ID: doc.ID, Status: doc.Status}, "Document revoked")
}

// handleRenderDocument handles POST /api/v1/documents/render
func (s *Server) handleRenderDocument(w http.ResponseWriter, r *http.Request) {
	var req RenderRequest
	if !s.decode(w, r, &req) {
		return
	}

	out, err := s.service.RenderDocument(r.Context(), IssuerFromContext(r.Context()), req.TemplateID, req.Data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendData(w, http.StatusOK, out, "")
}

// handleVerifyDocument handles POST /api/v1/documents/verify
func (s *Server) handleVerifyDocument(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.service.VerifyDocument(r.Context(), pipeline.VerifyRequest{
		DocumentID:      req.DocumentID,
		ContractAddress: req.ContractAddress,
		DocumentHash:    req.DocumentHash,
		TemplateID:      req.TemplateID,
		Data:            req.Data,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendData(w, http.StatusOK, res, res.Message)
}
