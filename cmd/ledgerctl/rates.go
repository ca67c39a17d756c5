// cmd/ledgerctl/rates.go
package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/javajoker/imi-commission/internal/app"
	"github.com/javajoker/imi-commission/internal/commission"
	"github.com/javajoker/imi-commission/internal/database"
)

func ratesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Manage versioned commission rate tables",
	}
	cmd.AddCommand(ratesValidateCmd(), ratesImportCmd(), ratesActivateCmd(), ratesListCmd())
	return cmd
}

func ratesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a YAML rate document without touching the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := commission.LoadRateFile(args[0])
			if err != nil {
				return err
			}
			printTable(cmd, table)
			return nil
		},
	}
}

func ratesImportCmd() *cobra.Command {
	var (
		description string
		activate    bool
	)
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Store a YAML rate document as a new version",
		Long: `Store a YAML rate document as a new, immutable version.

Versions cannot be overwritten; edit rates by importing a new version and
activating it. Activation tells running servers to drop their cached rate
tables.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := commission.LoadRateFile(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Rates.ImportRates(cmd.Context(), table, description, activate); err != nil {
				return err
			}
			if activate {
				if err := notifyRates(cmd, a); err != nil {
					return err
				}
			}
			printTable(cmd, table)
			if activate {
				fmt.Fprintf(cmd.OutOrStdout(), "Version %s imported and activated\n", table.Version)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Version %s imported\n", table.Version)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "free-form note stored with the version")
	cmd.Flags().BoolVar(&activate, "activate", false, "make the imported version the active one")
	return cmd
}

func ratesActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate [version]",
		Short: "Make a stored version the active rate table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Rates.Activate(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := notifyRates(cmd, a); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Version %s activated\n", args[0])
			return nil
		},
	}
}

func ratesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored rate versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			versions, err := a.Rates.ListVersions(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tACTIVE\tCREATED\tDESCRIPTION")
			for _, v := range versions {
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", v.Version, v.Active, v.CreatedAt.Format("2006-01-02 15:04"), v.Description)
			}
			return w.Flush()
		},
	}
}

func notifyRates(cmd *cobra.Command, a *app.App) error {
	if err := a.PublishCacheEvent(cmd.Context(), database.CacheEvent{Kind: database.CacheEventRates}); err != nil {
		return fmt.Errorf("version activated but servers were not notified: %w", err)
	}
	return nil
}

func printTable(cmd *cobra.Command, table *commission.RateTable) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Version %s\n", table.Version)
	fmt.Fprintln(w, "LEVEL\tRANK\tBUYER\tPERCENT")
	for _, e := range table.Entries() {
		buyer := string(e.BuyerRank)
		if buyer == "" {
			buyer = "*"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.Level, e.BeneficiaryRank, buyer, e.Percent.String())
	}
	w.Flush()
}
