// Package contract generates the Solidity source backing a document template.
package contract

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"unicode"
)

// Pragma is the language version emitted by the generator. The compiler
// adapter must be configured for a compatible solc release.
const Pragma = "^0.8.19"

// MaxFields bounds the number of template fields. Every field is a string
// parameter of issueDocument and a return slot of getDocumentData, and the
// legacy code generator runs out of stack slots beyond this.
const MaxFields = 10

// ErrInvalidFields is wrapped by every ValidationError.
var ErrInvalidFields = errors.New("invalid template fields")

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var sizedTypePattern = regexp.MustCompile(`^(u?int|bytes|u?fixed)[0-9x]+$`)

// reserved holds names that are valid identifiers but cannot be used as a
// struct member or as the issueDocument parameter derived from it.
var reserved = map[string]bool{
	// DocumentData members and issueDocument parameters
	"hash": true, "issuer": true, "timestamp": true, "revoked": true, "docHash": true, "_": true,
	// Solidity keywords and reserved words
	"abstract": true, "address": true, "after": true, "alias": true, "anonymous": true, "apply": true,
	"as": true, "assembly": true, "auto": true, "bool": true, "break": true, "byte": true, "bytes": true,
	"calldata": true, "case": true, "catch": true, "constant": true, "constructor": true, "continue": true,
	"contract": true, "copyof": true, "days": true, "default": true, "define": true, "delete": true,
	"do": true, "else": true, "emit": true, "enum": true, "error": true, "ether": true, "event": true,
	"external": true, "fallback": true, "false": true, "final": true, "fixed": true, "for": true,
	"function": true, "gwei": true, "hex": true, "hours": true, "if": true, "immutable": true,
	"implements": true, "import": true, "in": true, "indexed": true, "inline": true, "int": true,
	"interface": true, "internal": true, "is": true, "let": true, "library": true, "macro": true,
	"mapping": true, "match": true, "memory": true, "minutes": true, "modifier": true, "mutable": true,
	"new": true, "null": true, "of": true, "override": true, "partial": true, "payable": true,
	"pragma": true, "private": true, "promise": true, "public": true, "pure": true, "receive": true,
	"reference": true, "relocatable": true, "return": true, "returns": true, "sealed": true,
	"seconds": true, "sizeof": true, "static": true, "storage": true, "string": true, "struct": true,
	"super": true, "supports": true, "switch": true, "this": true, "throw": true, "true": true,
	"try": true, "type": true, "typedef": true, "typeof": true, "ufixed": true, "uint": true,
	"unchecked": true, "unicode": true, "using": true, "var": true, "view": true, "virtual": true,
	"weeks": true, "wei": true, "while": true, "years": true,
}

//go:embed document.sol.tmpl
var sourceTemplate string

var tmpl = template.Must(template.New("document.sol").Parse(sourceTemplate))

// ValidationError lists every problem found in a field list.
type ValidationError struct {
	Problems    []string
	InvalidKeys []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidFields, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidFields
}

type sourceData struct {
	Pragma       string
	ContractName string
	TemplateType string
	Fields       []string
	Required     []string
}

// Generate renders the contract source for a template. fields must be in
// declaration order; that order becomes the parameter order of
// issueDocument and the return order of getDocumentData.
func Generate(templateName string, fields, required []string) (string, error) {
	if err := ValidateFields(fields, required); err != nil {
		return "", err
	}

	requiredSet := make(map[string]bool, len(required))
	for _, key := range required {
		requiredSet[key] = true
	}
	// Required checks follow declaration order so output is stable
	// regardless of how the required subset was collected.
	ordered := make([]string, 0, len(required))
	for _, key := range fields {
		if requiredSet[key] {
			ordered = append(ordered, key)
		}
	}

	var buf bytes.Buffer
	err := tmpl.Execute(&buf, sourceData{
		Pragma:       Pragma,
		ContractName: ContractName(templateName),
		TemplateType: escapeString(templateName),
		Fields:       fields,
		Required:     ordered,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render contract source: %w", err)
	}
	return buf.String(), nil
}

// ValidateFields checks a field list before it is spliced into source.
func ValidateFields(fields, required []string) error {
	if len(fields) == 0 {
		return &ValidationError{Problems: []string{"at least one field is required"}}
	}

	var problems, invalid []string
	if len(fields) > MaxFields {
		problems = append(problems, fmt.Sprintf("too many fields: %d (max %d)", len(fields), MaxFields))
	}

	seen := make(map[string]bool, len(fields))
	for _, key := range fields {
		switch {
		case !identifierPattern.MatchString(key):
			invalid = append(invalid, key)
		case reserved[key] || sizedTypePattern.MatchString(key):
			invalid = append(invalid, key)
		case seen[key]:
			problems = append(problems, fmt.Sprintf("duplicate field %q", key))
		}
		seen[key] = true
	}
	if len(invalid) > 0 {
		quoted := make([]string, len(invalid))
		for i, key := range invalid {
			quoted[i] = fmt.Sprintf("%q", key)
		}
		problems = append([]string{"invalid field keys: " + strings.Join(quoted, ", ")}, problems...)
	}

	for _, key := range required {
		if !seen[key] {
			problems = append(problems, fmt.Sprintf("required field %q is not declared", key))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems, InvalidKeys: invalid}
	}
	return nil
}

// ContractName derives the Solidity contract identifier from a template name.
func ContractName(templateName string) string {
	var b strings.Builder
	for _, r := range templateName {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	name := b.String()
	if name == "" {
		name = "Template"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "T" + name
	}
	return name + "Document"
}

// escapeString produces the body of a Solidity string literal.
func escapeString(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '"' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r >= 0x20 && r < 0x7f:
			b.WriteRune(r)
		case r <= 0xffff:
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			b.WriteByte('?')
		}
	}
	return b.String()
}
