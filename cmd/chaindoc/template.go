package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/chaindoc/internal/app"
	"github.com/foxzi/chaindoc/internal/template"
)

var (
	templateIssuer string
	templateSearch string
	templateLimit  int
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Template commands",
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates and their contract state",
	RunE:  runTemplateList,
}

func init() {
	templateListCmd.Flags().StringVar(&templateIssuer, "issuer", "", "Only templates of this issuer")
	templateListCmd.Flags().StringVar(&templateSearch, "search", "", "Filter by name")
	templateListCmd.Flags().IntVar(&templateLimit, "limit", 50, "Maximum number of templates")

	templateCmd.AddCommand(templateListCmd)
	rootCmd.AddCommand(templateCmd)
}

func runTemplateList(cmd *cobra.Command, args []string) error {
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

	templates, total, err := stores.Templates.List(ctx, template.ListFilter{
		Limit:     templateLimit,
		Search:    templateSearch,
		CreatedBy: templateIssuer,
	})
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}

	if len(templates) == 0 {
		fmt.Println("No templates found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tISSUER\tSTATUS\tCONTRACT\tVERSION")
	for _, t := range templates {
		address := t.Contract.DeployedAddress
		if address == "" {
			address = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			t.ID, t.Name, t.CreatedBy, t.Contract.CompilationStatus, address, t.Version)
	}
	w.Flush()

	fmt.Printf("\nShowing %d of %d templates\n", len(templates), total)
	return nil
}
