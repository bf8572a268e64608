package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/monitor-cli/internal/model"
	"github.com/sells-group/monitor-cli/internal/store"
)

var (
	entitiesStatus   string
	entitiesArchived bool
	entitiesLimit    int
)

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "Inspect tracked entities",
}

var entitiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked entities",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter := store.EntityFilter{
			Status: model.Status(entitiesStatus),
			Limit:  entitiesLimit,
		}
		if entitiesArchived {
			archived := true
			filter.Archived = &archived
		}
		entities, err := st.ListEntities(cmd.Context(), filter)
		if err != nil {
			return err
		}

		for _, e := range entities {
			fmt.Printf("%-40s %-12s attrs=%d\n", e.ID, e.Status, len(e.Attributes))
		}
		fmt.Printf("%d entities\n", len(entities))
		return nil
	},
}

var entitiesShowCmd = &cobra.Command{
	Use:   "show <entity-id>",
	Short: "Show one entity with its attributes and ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ent, err := st.GetEntity(cmd.Context(), args[0])
		if eris.Is(err, store.ErrNotFound) {
			return eris.Errorf("entity %s not found", args[0])
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ent)
	},
}

func init() {
	entitiesListCmd.Flags().StringVar(&entitiesStatus, "status", "", "filter by lifecycle status")
	entitiesListCmd.Flags().BoolVar(&entitiesArchived, "archived", false, "include only archived entities")
	entitiesListCmd.Flags().IntVar(&entitiesLimit, "limit", 100, "max entities to list")
	entitiesCmd.AddCommand(entitiesListCmd)
	entitiesCmd.AddCommand(entitiesShowCmd)
	rootCmd.AddCommand(entitiesCmd)
}
