package template

import (
	"encoding/json"
	"errors"
	"time"
)

// Variable types
const (
	VarTypeString = "string"
	VarTypeDate   = "date"
)

// Compilation statuses of a contract artifact
const (
	CompilationPending = "pending"
	CompilationSuccess = "success"
	CompilationFailed  = "failed"
)

var (
	// ErrNotFound is returned when a template does not exist
	ErrNotFound = errors.New("template not found")
	// ErrDuplicateName is returned when an issuer already has a template
	// with the same name
	ErrDuplicateName = errors.New("template name already exists")
)

// Template represents a document template and the contract deployed for it
type Template struct {
	ID          string           `json:"id" bson:"_id"`
	Name        string           `json:"name" bson:"name"`
	Description string           `json:"description,omitempty" bson:"description"`
	Variables   []Variable       `json:"variables" bson:"variables"`
	SVGTemplate string           `json:"svg_template" bson:"svg_template"`
	FileName    string           `json:"file_name,omitempty" bson:"file_name"`
	Contract    ContractArtifact `json:"contract" bson:"contract"`
	CreatedBy   string           `json:"created_by" bson:"created_by"`
	Version     int              `json:"version" bson:"version"`
	CreatedAt   time.Time        `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at" bson:"updated_at"`
}

// Variable is a placeholder field of a template
type Variable struct {
	Key      string `json:"key" bson:"key"`
	Type     string `json:"type" bson:"type"`
	Required bool   `json:"required" bson:"required"`
}

// ContractArtifact holds the generated contract of a template. FieldOrder is
// the field order the contract was generated with and must be used for
// every issuance and verification against DeployedAddress.
type ContractArtifact struct {
	Source            string          `json:"source,omitempty" bson:"source"`
	ABI               json.RawMessage `json:"abi,omitempty" bson:"abi"`
	Bytecode          string          `json:"bytecode,omitempty" bson:"bytecode"`
	ContractName      string          `json:"contract_name,omitempty" bson:"contract_name"`
	FieldOrder        []string        `json:"field_order,omitempty" bson:"field_order"`
	CompilationStatus string          `json:"compilation_status" bson:"compilation_status"`
	DeployedAddress   string          `json:"deployed_address,omitempty" bson:"deployed_address"`
	DeployTxHash      string          `json:"deploy_tx_hash,omitempty" bson:"deploy_tx_hash"`
	Network           string          `json:"network,omitempty" bson:"network"`
	DeployedAt        *time.Time      `json:"deployed_at,omitempty" bson:"deployed_at"`
}

// Deployed reports whether the artifact is compiled and on-chain
func (a *ContractArtifact) Deployed() bool {
	return a.CompilationStatus == CompilationSuccess && a.DeployedAddress != ""
}

// FieldKeys returns variable keys in declaration order
func (t *Template) FieldKeys() []string {
	keys := make([]string, len(t.Variables))
	for i, v := range t.Variables {
		keys[i] = v.Key
	}
	return keys
}

// RequiredKeys returns the keys of required variables in declaration order
func (t *Template) RequiredKeys() []string {
	var keys []string
	for _, v := range t.Variables {
		if v.Required {
			keys = append(keys, v.Key)
		}
	}
	return keys
}

// ListFilter contains filters for listing templates
type ListFilter struct {
	Limit     int
	Offset    int
	Search    string
	CreatedBy string
}

// Stats contains template statistics
type Stats struct {
	Total    int64 `json:"total"`
	Deployed int64 `json:"deployed"`
}
