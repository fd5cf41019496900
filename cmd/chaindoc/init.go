package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var (
	initOutput     string
	initRPCURL     string
	initChainID    int64
	initNetwork    string
	initPrivateKey string
	initAPIKey     string
	initJWTSecret  string
	initDataDir    string
	initDriver     string
	initMongoURI   string
	initForce      bool
	initYes        bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize Chaindoc configuration",
	Long: `Interactive wizard to create a Chaindoc configuration file.

This command helps you set up Chaindoc by:
  1. Creating a configuration file
  2. Generating an API key and JWT secret
  3. Generating an operator key when none is given

Examples:
  # Interactive mode - prompts for missing values
  chaindoc init

  # Local hardhat node, no prompts
  chaindoc init --yes -o config.yaml

  # Sepolia with an existing operator key
  chaindoc init --rpc-url https://rpc.sepolia.org --chain-id 11155111 --network sepolia --private-key 0x...`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initRPCURL, "rpc-url", "http://127.0.0.1:8545", "Chain RPC endpoint")
	initCmd.Flags().Int64Var(&initChainID, "chain-id", 31337, "Chain ID (0 to detect from the node)")
	initCmd.Flags().StringVar(&initNetwork, "network", "hardhat", "Network name recorded on artifacts")
	initCmd.Flags().StringVar(&initPrivateKey, "private-key", "", "Operator key (generated if not provided)")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initJWTSecret, "jwt-secret", "", "JWT secret (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/chaindoc", "Data directory")
	initCmd.Flags().StringVar(&initDriver, "driver", "bolt", "Storage driver: bolt, mongo")
	initCmd.Flags().StringVar(&initMongoURI, "mongo-uri", "mongodb://127.0.0.1:27017", "MongoDB URI for the mongo driver")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")
	initCmd.Flags().BoolVarP(&initYes, "yes", "y", false, "Accept defaults without prompting")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Chaindoc Configuration Wizard")
	fmt.Println("=============================")
	fmt.Println()

	if !initYes {
		initRPCURL = prompt(reader, "Chain RPC URL", initRPCURL)
		initNetwork = prompt(reader, "Network name", initNetwork)
		initDataDir = prompt(reader, "Data directory", initDataDir)
		initDriver = prompt(reader, "Storage driver (bolt/mongo)", initDriver)
		if initDriver == "mongo" {
			initMongoURI = prompt(reader, "MongoDB URI", initMongoURI)
		}
	}
	if initDriver != "bolt" && initDriver != "mongo" {
		return fmt.Errorf("unknown storage driver %q", initDriver)
	}

	if initPrivateKey == "" {
		key, address, err := generateOperatorKey()
		if err != nil {
			return err
		}
		initPrivateKey = key
		fmt.Printf("  Generated operator address: %s\n", address)
		fmt.Println("  Fund this address before deploying templates.")
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}
	if initJWTSecret == "" {
		initJWTSecret = generateRandomString(64)
		fmt.Println("  Generated JWT secret")
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	// The file carries the operator key
	if err := os.WriteFile(initOutput, []byte(generateConfig()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()
	printNextSteps()

	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// generateOperatorKey returns a new secp256k1 key as hex and its address
func generateOperatorKey() (string, string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate operator key: %w", err)
	}
	return hex.EncodeToString(crypto.FromECDSA(key)), crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

func generateConfig() string {
	storage := fmt.Sprintf(`storage:
  driver: "bolt"
  path: "%s/chaindoc.db"`, initDataDir)
	if initDriver == "mongo" {
		storage = fmt.Sprintf(`storage:
  driver: "mongo"
  path: "%s/chaindoc.db"  # rate limit and metrics counters
  mongo:
    uri: "%s"
    database: "chaindoc"`, initDataDir, initMongoURI)
	}

	return fmt.Sprintf(`# Chaindoc configuration
# Generated by: chaindoc init

api:
  listen_addr: ":8080"
  api_key: "%s"
  issuer_id: "default"
  jwt_secret: "%s"
  max_body_bytes: 1048576  # 1 MB
  read_timeout: 30s
  write_timeout: 5m
  idle_timeout: 60s

chain:
  rpc_url: "%s"
  chain_id: %d
  network: "%s"
  private_key: "%s"
  gas_limit: 500000
  confirm_timeout: 2m

compiler:
  solc_path: "solc"
  timeout: 60s

%s

logging:
  level: "info"
  format: "json"

metrics:
  enabled: true
  listen_addr: ":9090"
  path: "/metrics"
  flush_interval: 10s
  allowed_ips:
    - "127.0.0.1/32"

rate_limit:
  enabled: true
  default_issuer:
    documents_per_hour: 1000
    documents_per_day: 10000

notify:
  enabled: false
`,
		initAPIKey,
		initJWTSecret,
		initRPCURL,
		initChainID,
		initNetwork,
		initPrivateKey,
		storage,
	)
}

func printNextSteps() {
	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("1. Install solc and check the configuration:")
	fmt.Printf("   chaindoc config validate -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("2. Start the server:")
	fmt.Printf("   chaindoc serve -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("3. Create a template:")
	fmt.Println("   curl -X POST http://localhost:8080/api/v1/templates \\")
	fmt.Printf("     -H \"X-API-Key: %s\" \\\n", initAPIKey)
	fmt.Println("     -H \"Content-Type: application/json\" \\")
	fmt.Println(`     -d '{"name":"Diploma","svgTemplate":"<svg>{{student_name}}</svg>"}'`)
	fmt.Println()
}
