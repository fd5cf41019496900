package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/chaindoc/internal/pipeline"
	"github.com/foxzi/chaindoc/internal/template"
)

// TemplateRequest is the request body for POST /templates
type TemplateRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	SVGTemplate string              `json:"svgTemplate"`
	FileName    string              `json:"fileName"`
	Variables   []template.Variable `json:"variables"`
}

// UpdateTemplateRequest is the request body for PUT /templates/{id}.
// Absent fields are left unchanged.
type UpdateTemplateRequest struct {
	Name        *string             `json:"name"`
	Description *string             `json:"description"`
	SVGTemplate *string             `json:"svgTemplate"`
	FileName    *string             `json:"fileName"`
	Variables   []template.Variable `json:"variables"`
}

// TemplateResponse summarises a deployed template
type TemplateResponse struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	CompilationStatus string `json:"compilationStatus"`
	ContractAddress   string `json:"contractAddress"`
	Network           string `json:"network"`
	Regenerated       *bool  `json:"regenerated,omitempty"`
}

func templateResponse(tmpl *template.Template) TemplateResponse {
	return TemplateResponse{
		ID:                tmpl.ID,
		Name:              tmpl.Name,
		CompilationStatus: tmpl.Contract.CompilationStatus,
		ContractAddress:   tmpl.Contract.DeployedAddress,
		Network:           tmpl.Contract.Network,
	}
}

// handleCreateTemplate handles POST /api/v1/templates
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if !s.decode(w, r, &req) {
		return
	}

	tmpl, err := s.service.CreateTemplate(r.Context(), IssuerFromContext(r.Context()), pipeline.TemplateInput{
		Name:        req.Name,
		Description: req.Description,
		SVGTemplate: req.SVGTemplate,
		FileName:    req.FileName,
		Variables:   req.Variables,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.sendData(w, http.StatusCreated, templateResponse(tmpl), "Template created and contract deployed")
}

// handleListTemplates handles GET /api/v1/templates
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	page, err := s.service.ListTemplates(r.Context(), IssuerFromContext(r.Context()),
		queryInt(r, "page"), queryInt(r, "limit"), r.URL.Query().Get("search"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendData(w, http.StatusOK, page, "")
}

// handleGetTemplate handles GET /api/v1/templates/{id}
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.service.GetTemplate(r.Context(), IssuerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendData(w, http.StatusOK, tmpl, "")
}

// handleUpdateTemplate handles PUT /api/v1/templates/{id}
func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var req UpdateTemplateRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.service.UpdateTemplate(r.Context(), IssuerFromContext(r.Context()), chi.URLParam(r, "id"), pipeline.TemplateUpdate{
		Name:        req.Name,
		Description: req.Description,
		SVGTemplate: req.SVGTemplate,
		FileName:    req.FileName,
		Variables:   req.Variables,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := templateResponse(res.Template)
	resp.Regenerated = &res.Regenerated
	msg := "Template updated"
	if res.Regenerated {
		msg = "Template updated and contract redeployed"
	}
	s.sendData(w, http.StatusOK, resp, msg)
}

// handleTemplateSource handles GET /api/v1/templates/{id}/source
func (s *Server) handleTemplateSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.service.TemplateSource(r.Context(), IssuerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(src))
}
