package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/monitor-cli/internal/store"
)

var (
	casesEntityID string
	casesOpen     bool
	casesLimit    int
)

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "Inspect and approve investigation cases",
}

var casesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List investigation cases",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cases, err := st.ListCases(cmd.Context(), store.CaseFilter{
			EntityID: casesEntityID,
			Open:     casesOpen,
			Limit:    casesLimit,
		})
		if err != nil {
			return err
		}

		for _, c := range cases {
			fmt.Printf("%-40s %-24s %-20s %s\n", c.ID, c.Status, c.EntityID, c.Anomaly.Kind)
		}
		fmt.Printf("%d cases\n", len(cases))
		return nil
	},
}

var casesShowCmd = &cobra.Command{
	Use:   "show <case-id>",
	Short: "Show one case with its full audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		c, err := st.GetCase(cmd.Context(), args[0])
		if eris.Is(err, store.ErrNotFound) {
			return eris.Errorf("case %s not found", args[0])
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	},
}

var casesApproveCmd = &cobra.Command{
	Use:   "approve <fix-token>",
	Short: "Approve and apply a pending fix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Investigator.ApproveFix(cmd.Context(), args[0])
		if eris.Is(err, store.ErrNotFound) {
			return eris.Errorf("fix token %s not found", args[0])
		}
		if err != nil {
			return err
		}

		fmt.Printf("case %s: %s\n", c.ID, c.Status)
		return nil
	},
}

func init() {
	casesListCmd.Flags().StringVar(&casesEntityID, "entity", "", "filter by entity id")
	casesListCmd.Flags().BoolVar(&casesOpen, "open", false, "only non-terminal cases")
	casesListCmd.Flags().IntVar(&casesLimit, "limit", 100, "max cases to list")
	casesCmd.AddCommand(casesListCmd)
	casesCmd.AddCommand(casesShowCmd)
	casesCmd.AddCommand(casesApproveCmd)
	rootCmd.AddCommand(casesCmd)
}
