package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/chaindoc/internal/chain"
	"github.com/foxzi/chaindoc/internal/contract"
	"github.com/foxzi/chaindoc/internal/metrics"
	"github.com/foxzi/chaindoc/internal/template"
)

// MaxNameLength bounds template names
const MaxNameLength = 200

// TemplateInput describes a template to create
type TemplateInput struct {
	Name        string
	Description string
	SVGTemplate string
	FileName    string
	Variables   []template.Variable
}

// TemplateUpdate is a partial template; nil fields are left unchanged
type TemplateUpdate struct {
	Name        *string
	Description *string
	SVGTemplate *string
	FileName    *string
	Variables   []template.Variable
}

// UpdateResult is the outcome of UpdateTemplate
type UpdateResult struct {
	Template    *template.Template
	Regenerated bool
}

// CreateTemplate validates the input, generates, compiles and deploys the
// template contract, checks the deployment and only then stores the
// template. Nothing is stored when any stage fails.
func (p *Pipeline) CreateTemplate(ctx context.Context, issuerID string, in TemplateInput) (*template.Template, error) {
	tmpl := &template.Template{
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		SVGTemplate: in.SVGTemplate,
		FileName:    in.FileName,
		Variables:   normalizeVariables(in.Variables),
		CreatedBy:   issuerID,
	}
	if err := p.validateTemplate(tmpl); err != nil {
		return nil, err
	}

	if err := p.checkNameFree(ctx, issuerID, tmpl.Name); err != nil {
		return nil, err
	}

	log := p.logger.With("template", tmpl.Name, "issuer", issuerID)
	log.Debug("template stage", "stage", "draft")

	artifact, err := p.buildArtifact(ctx, tmpl)
	if err != nil {
		log.Error("template pipeline failed", "error", err)
		return nil, err
	}
	tmpl.Contract = *artifact

	if err := p.templates.Create(ctx, tmpl); err != nil {
		metrics.IncPipelineFailure(metrics.StagePersist)
		if errors.Is(err, template.ErrDuplicateName) {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		log.Error("deployed template not stored",
			"contract", artifact.DeployedAddress,
			"error", err,
		)
		return nil, fmt.Errorf("failed to store template: %w", err)
	}

	metrics.IncTemplatesDeployed()
	log.Info("template deployed",
		"id", tmpl.ID,
		"contract", artifact.DeployedAddress,
		"network", artifact.Network,
	)
	return tmpl, nil
}

// UpdateTemplate applies a partial update. The contract is regenerated and
// redeployed only when ShouldRegenerateArtifact reports a change; a failed
// regeneration leaves the stored template untouched.
func (p *Pipeline) UpdateTemplate(ctx context.Context, issuerID, id string, upd TemplateUpdate) (*UpdateResult, error) {
	old, err := p.GetTemplate(ctx, issuerID, id)
	if err != nil {
		return nil, err
	}

	next := *old
	if upd.Name != nil {
		next.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Description != nil {
		next.Description = *upd.Description
	}
	if upd.SVGTemplate != nil {
		next.SVGTemplate = *upd.SVGTemplate
	}
	if upd.FileName != nil {
		next.FileName = *upd.FileName
	}
	if upd.Variables != nil {
		next.Variables = normalizeVariables(upd.Variables)
	}
	if err := p.validateTemplate(&next); err != nil {
		return nil, err
	}

	if !strings.EqualFold(next.Name, old.Name) {
		if err := p.checkNameFree(ctx, issuerID, next.Name); err != nil {
			return nil, err
		}
	}

	regenerate := ShouldRegenerateArtifact(old, &next) || !old.Contract.Deployed()
	if regenerate {
		p.logger.Debug("template stage", "stage", "regenerating", "id", id)
		artifact, err := p.buildArtifact(ctx, &next)
		if err != nil {
			p.logger.Error("template regeneration failed", "id", id, "error", err)
			return nil, err
		}
		next.Contract = *artifact
	}

	if err := p.templates.Update(ctx, &next); err != nil {
		metrics.IncPipelineFailure(metrics.StagePersist)
		if errors.Is(err, template.ErrDuplicateName) {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if errors.Is(err, template.ErrNotFound) {
			return nil, notFound(err)
		}
		return nil, fmt.Errorf("failed to update template: %w", err)
	}

	if regenerate {
		metrics.IncTemplatesDeployed()
	}
	p.logger.Info("template updated",
		"id", id,
		"version", next.Version,
		"regenerated", regenerate,
	)
	return &UpdateResult{Template: &next, Regenerated: regenerate}, nil
}

// ShouldRegenerateArtifact reports whether the contract of old no longer
// fits next: the name or any variable key, type, required flag or position
// changed.
func ShouldRegenerateArtifact(old, next *template.Template) bool {
	if old.Name != next.Name {
		return true
	}
	if len(old.Variables) != len(next.Variables) {
		return true
	}
	for i := range old.Variables {
		a, b := old.Variables[i], next.Variables[i]
		if a.Key != b.Key || varType(a.Type) != varType(b.Type) || a.Required != b.Required {
			return true
		}
	}
	return false
}

// GetTemplate returns one of the issuer's templates
func (p *Pipeline) GetTemplate(ctx context.Context, issuerID, id string) (*template.Template, error) {
	tmpl, err := p.templates.Get(ctx, id)
	if err != nil {
		if errors.Is(err, template.ErrNotFound) {
			return nil, notFound(err)
		}
		return nil, err
	}
	if issuerID != "" && tmpl.CreatedBy != issuerID {
		return nil, notFound(template.ErrNotFound)
	}
	return tmpl, nil
}

// TemplateSource returns the generated Solidity of a template
func (p *Pipeline) TemplateSource(ctx context.Context, issuerID, id string) (string, error) {
	tmpl, err := p.GetTemplate(ctx, issuerID, id)
	if err != nil {
		return "", err
	}
	if tmpl.Contract.Source == "" {
		return "", fmt.Errorf("%w: template %s has no contract source", ErrNotFound, id)
	}
	return tmpl.Contract.Source, nil
}

// buildArtifact runs Generating -> Compiling -> Deploying -> verified
func (p *Pipeline) buildArtifact(ctx context.Context, tmpl *template.Template) (*template.ContractArtifact, error) {
	log := p.logger.With("template", tmpl.Name)
	fields := tmpl.FieldKeys()

	log.Debug("template stage", "stage", "generating", "fields", len(fields))
	source, err := contract.Generate(tmpl.Name, fields, tmpl.RequiredKeys())
	if err != nil {
		metrics.IncPipelineFailure(metrics.StageGenerate)
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	log.Debug("template stage", "stage", "compiling")
	start := time.Now()
	result, err := p.compiler.Compile(ctx, source)
	metrics.ObserveCompile(start)
	if err != nil {
		metrics.IncPipelineFailure(metrics.StageCompile)
		return nil, err
	}

	log.Debug("template stage", "stage", "deploying", "contract_name", result.ContractName)
	deployment, err := p.chain.Deploy(ctx, string(result.ABI), result.Bytecode)
	if err != nil {
		metrics.IncPipelineFailure(metrics.StageDeploy)
		return nil, err
	}
	address := deployment.Address.Hex()

	ok, err := p.chain.VerifyDeployment(ctx, address)
	if err != nil {
		metrics.IncPipelineFailure(metrics.StageVerify)
		return nil, &chain.DeploymentError{Op: "verify deployment", Err: err}
	}
	if !ok {
		metrics.IncPipelineFailure(metrics.StageVerify)
		return nil, &chain.DeploymentError{Op: "verify deployment", Err: fmt.Errorf("no code at %s", address)}
	}

	deployedAt := p.now().UTC()
	log.Debug("template stage", "stage", "deployed_verified", "contract", address)
	return &template.ContractArtifact{
		Source:            source,
		ABI:               result.ABI,
		Bytecode:          result.Bytecode,
		ContractName:      result.ContractName,
		FieldOrder:        fields,
		CompilationStatus: template.CompilationSuccess,
		DeployedAddress:   address,
		DeployTxHash:      deployment.TxHash.Hex(),
		Network:           p.chain.Network(),
		DeployedAt:        &deployedAt,
	}, nil
}

func (p *Pipeline) validateTemplate(tmpl *template.Template) error {
	var problems []string
	if tmpl.Name == "" {
		problems = append(problems, "name is required")
	}
	if len(tmpl.Name) > MaxNameLength {
		problems = append(problems, fmt.Sprintf("name longer than %d characters", MaxNameLength))
	}
	if strings.TrimSpace(tmpl.SVGTemplate) == "" {
		problems = append(problems, "svgTemplate is required")
	}
	for _, v := range tmpl.Variables {
		if v.Type != template.VarTypeString && v.Type != template.VarTypeDate {
			problems = append(problems, fmt.Sprintf("variable %q has unknown type %q", v.Key, v.Type))
		}
	}
	if len(problems) > 0 {
		return invalid("%s", strings.Join(problems, "; "))
	}

	if err := contract.ValidateFields(tmpl.FieldKeys(), tmpl.RequiredKeys()); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if undeclared := p.engine.UndeclaredKeys(tmpl); len(undeclared) > 0 {
		p.logger.Warn("template markers without variables render empty",
			"template", tmpl.Name,
			"keys", undeclared,
		)
	}
	return nil
}

func (p *Pipeline) checkNameFree(ctx context.Context, issuerID, name string) error {
	_, err := p.templates.GetByName(ctx, issuerID, name)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %w: %q", ErrValidation, template.ErrDuplicateName, name)
	case errors.Is(err, template.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("failed to check template name: %w", err)
	}
}

func normalizeVariables(vars []template.Variable) []template.Variable {
	out := make([]template.Variable, len(vars))
	for i, v := range vars {
		out[i] = template.Variable{
			Key:      strings.TrimSpace(v.Key),
			Type:     varType(v.Type),
			Required: v.Required,
		}
	}
	return out
}

func varType(t string) string {
	if t == "" {
		return template.VarTypeString
	}
	return t
}
