package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/monitor-cli/internal/model"
)

var ingestServer string

var ingestCmd = &cobra.Command{
	Use:   "ingest <events.json>",
	Short: "Feed disclosure events from a JSON file to the running daemon",
	Long:  "Reads a JSON array of disclosure events and posts them to the daemon's event webhook in order. Intended for backfill and local testing.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read %s", args[0])
		}

		var events []model.DisclosureEvent
		if err := json.Unmarshal(data, &events); err != nil {
			return eris.Wrap(err, "parse events file")
		}

		server := ingestServer
		if server == "" {
			server = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}

		accepted := 0
		for _, event := range events {
			body, err := json.Marshal(event)
			if err != nil {
				return eris.Wrap(err, "marshal event")
			}
			resp, err := http.Post(server+"/webhook/event", "application/json", bytes.NewReader(body))
			if err != nil {
				return eris.Wrap(err, "post event")
			}
			resp.Body.Close() //nolint:errcheck
			if resp.StatusCode >= 400 {
				zap.L().Warn("event rejected",
					zap.String("entity_id", event.EntityID),
					zap.String("document_id", event.DocumentID),
					zap.String("status", resp.Status),
				)
				continue
			}
			accepted++
		}

		fmt.Printf("ingested %d/%d events\n", accepted, len(events))
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestServer, "server", "", "daemon base URL (default localhost on configured port)")
	rootCmd.AddCommand(ingestCmd)
}
