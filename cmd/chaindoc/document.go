package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/chaindoc/internal/app"
	"github.com/foxzi/chaindoc/internal/document"
	"github.com/foxzi/chaindoc/internal/pipeline"
)

var (
	documentIssuer   string
	documentTemplate string
	documentStatus   string
	documentLimit    int
	verifyAddress    string
	verifyHash       string
)

var documentCmd = &cobra.Command{
	Use:   "document",
	Short: "Document commands",
}

var documentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued documents",
	RunE:  runDocumentList,
}

var documentVerifyCmd = &cobra.Command{
	Use:   "verify [document-id]",
	Short: "Verify a document against the chain",
	Long: `Verify a stored document by ID, or a bare contract address and hash.

Examples:
  chaindoc -c config.yaml document verify 01J9Z3K4M5N6P7Q8R9S0T1V2W3
  chaindoc -c config.yaml document verify --address 0xabc... --hash 0x123...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDocumentVerify,
}

func init() {
	documentListCmd.Flags().StringVar(&documentIssuer, "issuer", "", "Only documents of this issuer")
	documentListCmd.Flags().StringVar(&documentTemplate, "template", "", "Only documents of this template")
	documentListCmd.Flags().StringVar(&documentStatus, "status", "", "Only documents with this status")
	documentListCmd.Flags().IntVar(&documentLimit, "limit", 50, "Maximum number of documents")

	documentVerifyCmd.Flags().StringVar(&verifyAddress, "address", "", "Contract address")
	documentVerifyCmd.Flags().StringVar(&verifyHash, "hash", "", "Document hash")

	documentCmd.AddCommand(documentListCmd, documentVerifyCmd)
	rootCmd.AddCommand(documentCmd)
}

func runDocumentList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	stores, release, err := app.OpenStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer release()

	docs, total, err := stores.Documents.List(ctx, document.ListFilter{
		Limit:      documentLimit,
		TemplateID: documentTemplate,
		IssuerID:   documentIssuer,
		Status:     documentStatus,
	})
	if err != nil {
		return fmt.Errorf("failed to list documents: %w", err)
	}

	if len(docs) == 0 {
		fmt.Println("No documents found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTEMPLATE\tISSUED TO\tSTATUS\tISSUED")
	for _, d := range docs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.TemplateID, d.IssuedTo.Name, d.Status, d.IssuedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()

	fmt.Printf("\nShowing %d of %d documents\n", len(docs), total)
	return nil
}

func runDocumentVerify(cmd *cobra.Command, args []string) error {
	req := pipeline.VerifyRequest{
		ContractAddress: verifyAddress,
		DocumentHash:    verifyHash,
	}
	if len(args) == 1 {
		req.DocumentID = args[0]
	}
	if req.DocumentID == "" && (req.ContractAddress == "" || req.DocumentHash == "") {
		return fmt.Errorf("a document ID or both --address and --hash are required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	application, err := app.New(ctx, cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Close()

	res, err := application.Pipeline().VerifyDocument(ctx, req)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	printVerifyResult(res)
	if !res.IsValid {
		return fmt.Errorf("document is not valid")
	}
	return nil
}

func printVerifyResult(res *pipeline.VerifyResult) {
	status := "INVALID"
	if res.IsValid {
		status = "VALID"
	}
	fmt.Printf("Status:    %s\n", status)
	fmt.Printf("Message:   %s\n", res.Message)
	if res.DocumentID != "" {
		fmt.Printf("Document:  %s\n", res.DocumentID)
	}
	fmt.Printf("Contract:  %s\n", res.ContractAddress)
	fmt.Printf("Hash:      %s\n", res.DocumentHash)
	if res.Network != "" {
		fmt.Printf("Network:   %s\n", res.Network)
	}
	if res.Issuer != "" {
		fmt.Printf("Issuer:    %s\n", res.Issuer)
	}
	if res.Timestamp != nil {
		fmt.Printf("Anchored:  %s\n", res.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	if res.Reason != "" {
		fmt.Printf("Reason:    %s\n", res.Reason)
	}
}
