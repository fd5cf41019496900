package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/chaindoc/internal/notify"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimOut      string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key commands for notification mail",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a DKIM key pair",
	Long: `Generate an RSA key for signing notification mail and print the DNS record.

Examples:
  chaindoc dkim generate --domain chaindoc.example --out /var/lib/chaindoc/dkim.key`,
	RunE: runDKIMGenerate,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Signing domain")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "chaindoc", "DKIM selector")
	dkimGenerateCmd.Flags().StringVar(&dkimOut, "out", "", "Private key output path")
	dkimGenerateCmd.MarkFlagRequired("domain")
	dkimGenerateCmd.MarkFlagRequired("out")

	dkimCmd.AddCommand(dkimGenerateCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	signer, err := notify.GenerateSigner(dkimDomain, dkimSelector)
	if err != nil {
		return err
	}
	if err := signer.SaveKey(dkimOut); err != nil {
		return err
	}
	record, err := signer.DNSRecord()
	if err != nil {
		return err
	}

	fmt.Printf("Private key saved to: %s\n", dkimOut)
	fmt.Println()
	fmt.Println("Add this DNS TXT record:")
	fmt.Printf("  Name:  %s\n", signer.DNSName())
	fmt.Printf("  Type:  TXT\n")
	fmt.Printf("  Value: %s\n", record)
	return nil
}
