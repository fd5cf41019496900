// Package compiler turns generated Solidity source into an ABI and bytecode
// by driving solc through its standard-JSON interface.
package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// SourceName is the virtual file name the source is compiled under.
const SourceName = "Contract.sol"

// OptimizerRuns is fixed so identical source always yields identical bytecode.
const OptimizerRuns = 200

// ErrCompilation is wrapped by every CompilationError.
var ErrCompilation = errors.New("compilation failed")

// ErrUnavailable is wrapped when solc could not be run or its output could
// not be read. It says nothing about the source.
var ErrUnavailable = errors.New("compiler unavailable")

// CompilationError carries the error-severity diagnostics reported by solc.
type CompilationError struct {
	Diagnostics []string
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCompilation, strings.Join(e.Diagnostics, ", "))
}

func (e *CompilationError) Unwrap() error {
	return ErrCompilation
}

// Result is the output of a successful compilation.
type Result struct {
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`
	ContractName string          `json:"contract_name"`
}

// Runner executes solc with the given standard-JSON input and returns its
// standard-JSON output.
type Runner func(ctx context.Context, input []byte) ([]byte, error)

// Config contains compiler settings
type Config struct {
	SolcPath string
	Timeout  time.Duration
}

// Compiler compiles contract source.
type Compiler struct {
	run     Runner
	timeout time.Duration
}

// New creates a compiler that shells out to the configured solc binary
func New(cfg Config) *Compiler {
	path := cfg.SolcPath
	if path == "" {
		path = "solc"
	}
	return NewWithRunner(ExecRunner(path), cfg.Timeout)
}

// NewWithRunner creates a compiler with a custom runner
func NewWithRunner(run Runner, timeout time.Duration) *Compiler {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Compiler{run: run, timeout: timeout}
}

// ExecRunner returns a Runner that invokes `solc --standard-json`.
func ExecRunner(path string) Runner {
	return func(ctx context.Context, input []byte) ([]byte, error) {
		cmd := exec.CommandContext(ctx, path, "--standard-json")
		cmd.Stdin = bytes.NewReader(input)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg != "" {
				return nil, fmt.Errorf("solc: %w: %s", err, msg)
			}
			return nil, fmt.Errorf("solc: %w", err)
		}
		return stdout.Bytes(), nil
	}
}

type standardInput struct {
	Language string                    `json:"language"`
	Sources  map[string]standardSource `json:"sources"`
	Settings standardSettings          `json:"settings"`
}

type standardSource struct {
	Content string `json:"content"`
}

type standardSettings struct {
	Optimizer       optimizerSettings              `json:"optimizer"`
	OutputSelection map[string]map[string][]string `json:"outputSelection"`
}

type optimizerSettings struct {
	Enabled bool `json:"enabled"`
	Runs    int  `json:"runs"`
}

type standardOutput struct {
	Errors    []diagnostic                          `json:"errors"`
	Contracts map[string]map[string]contractOutput `json:"contracts"`
}

type diagnostic struct {
	Severity         string `json:"severity"`
	Type             string `json:"type"`
	Component        string `json:"component"`
	Message          string `json:"message"`
	FormattedMessage string `json:"formattedMessage"`
}

type contractOutput struct {
	ABI json.RawMessage `json:"abi"`
	EVM struct {
		Bytecode struct {
			Object string `json:"object"`
		} `json:"bytecode"`
	} `json:"evm"`
}

// BuildInput returns the standard-JSON request for source.
func BuildInput(source string) ([]byte, error) {
	return json.Marshal(standardInput{
		Language: "Solidity",
		Sources: map[string]standardSource{
			SourceName: {Content: source},
		},
		Settings: standardSettings{
			Optimizer: optimizerSettings{Enabled: true, Runs: OptimizerRuns},
			OutputSelection: map[string]map[string][]string{
				"*": {"*": {"abi", "evm.bytecode.object"}},
			},
		},
	})
}

// Compile compiles source. Any error-severity diagnostic aborts with a
// *CompilationError; warnings are dropped. A solc that fails to run gives
// ErrUnavailable.
func (c *Compiler) Compile(ctx context.Context, source string) (*Result, error) {
	input, err := BuildInput(source)
	if err != nil {
		return nil, fmt.Errorf("failed to build compiler input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.run(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return ParseOutput(raw)
}

// ParseOutput extracts the compiled contract from solc standard-JSON output.
func ParseOutput(raw []byte) (*Result, error) {
	var out standardOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: unreadable output: %w", ErrUnavailable, err)
	}

	var diags []string
	for _, d := range out.Errors {
		if d.Severity == "error" {
			diags = append(diags, d.Message)
		}
	}
	if len(diags) > 0 {
		return nil, &CompilationError{Diagnostics: diags}
	}

	contracts := out.Contracts[SourceName]
	if len(contracts) == 0 {
		return nil, &CompilationError{Diagnostics: []string{"no contract in compiler output"}}
	}

	names := make([]string, 0, len(contracts))
	for name := range contracts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := contracts[name]
		if c.EVM.Bytecode.Object == "" {
			continue
		}
		return &Result{
			ABI:          c.ABI,
			Bytecode:     "0x" + strings.TrimPrefix(c.EVM.Bytecode.Object, "0x"),
			ContractName: name,
		}, nil
	}
	return nil, &CompilationError{Diagnostics: []string{"compiler produced no bytecode"}}
}
