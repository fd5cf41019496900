package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/chaindoc/internal/compiler"
	"github.com/foxzi/chaindoc/internal/contract"
)

var (
	contractName     string
	contractFields   []string
	contractOutput   string
	contractSolcPath string
)

var contractCmd = &cobra.Command{
	Use:   "contract",
	Short: "Contract generation commands",
}

var contractGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate the Solidity source for a set of fields",
	Long: `Generate the document registry contract for a template.

Fields are given as key[:required], in contract order.

Examples:
  chaindoc contract generate --name Diploma --field student_name:required --field grade
  chaindoc contract generate --name Diploma --field student_name -o Diploma.sol`,
	RunE: runContractGenerate,
}

var contractCompileCmd = &cobra.Command{
	Use:   "compile <file.sol>",
	Short: "Compile a contract with solc",
	Args:  cobra.ExactArgs(1),
	RunE:  runContractCompile,
}

func init() {
	contractGenerateCmd.Flags().StringVar(&contractName, "name", "", "Template name")
	contractGenerateCmd.Flags().StringArrayVar(&contractFields, "field", nil, "Field as key[:required] (repeatable)")
	contractGenerateCmd.Flags().StringVarP(&contractOutput, "output", "o", "", "Write source to file instead of stdout")
	contractGenerateCmd.MarkFlagRequired("name")

	contractCompileCmd.Flags().StringVar(&contractSolcPath, "solc", "solc", "Path to the solc binary")

	contractCmd.AddCommand(contractGenerateCmd, contractCompileCmd)
	rootCmd.AddCommand(contractCmd)
}

// parseFieldSpecs splits key[:required] flags into the field order and the
// required subset
func parseFieldSpecs(specs []string) (fields, required []string, err error) {
	for _, spec := range specs {
		key, flag, hasFlag := strings.Cut(spec, ":")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, nil, fmt.Errorf("empty field name in %q", spec)
		}
		fields = append(fields, key)

		if !hasFlag {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(flag)) {
		case "required", "req":
			required = append(required, key)
		case "optional", "":
		default:
			return nil, nil, fmt.Errorf("unknown field flag %q in %q", flag, spec)
		}
	}
	return fields, required, nil
}

func runContractGenerate(cmd *cobra.Command, args []string) error {
	fields, required, err := parseFieldSpecs(contractFields)
	if err != nil {
		return err
	}

	source, err := contract.Generate(contractName, fields, required)
	if err != nil {
		return fmt.Errorf("failed to generate contract: %w", err)
	}

	if contractOutput == "" {
		fmt.Print(source)
		return nil
	}
	if err := os.WriteFile(contractOutput, []byte(source), 0644); err != nil {
		return fmt.Errorf("failed to write contract: %w", err)
	}
	fmt.Printf("Contract %s written to %s\n", contract.ContractName(contractName), contractOutput)
	return nil
}

func runContractCompile(cmd *cobra.Command, args []string) error {
	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}

	c := compiler.New(compiler.Config{SolcPath: contractSolcPath})
	result, err := c.Compile(context.Background(), string(source))
	if err != nil {
		return err
	}

	fmt.Printf("Contract: %s\n", result.ContractName)
	fmt.Printf("Bytecode: %d bytes\n", (len(strings.TrimPrefix(result.Bytecode, "0x")))/2)
	fmt.Printf("ABI:      %s\n", result.ABI)
	return nil
}
