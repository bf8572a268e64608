package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	signalServer     string
	signalConfidence float64
	signalMagnitude  float64
)

var signalCmd = &cobra.Command{
	Use:   "signal <entity-id> <rumor|confirmation|metric_spike>",
	Short: "Raise a polling signal against the running daemon",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := json.Marshal(map[string]any{
			"entity_id":  args[0],
			"kind":       args[1],
			"confidence": signalConfidence,
			"magnitude":  signalMagnitude,
		})
		if err != nil {
			return eris.Wrap(err, "marshal signal")
		}

		server := signalServer
		if server == "" {
			server = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}
		resp, err := http.Post(server+"/webhook/signal", "application/json", bytes.NewReader(body))
		if err != nil {
			return eris.Wrap(err, "post signal")
		}
		defer resp.Body.Close() //nolint:errcheck
		if resp.StatusCode >= 400 {
			return eris.Errorf("daemon returned %s", resp.Status)
		}

		fmt.Printf("signal %s accepted for %s\n", args[1], args[0])
		return nil
	},
}

func init() {
	signalCmd.Flags().StringVar(&signalServer, "server", "", "daemon base URL (default localhost on configured port)")
	signalCmd.Flags().Float64Var(&signalConfidence, "confidence", 0.5, "signal confidence 0..1")
	signalCmd.Flags().Float64Var(&signalMagnitude, "magnitude", 0, "relative metric move for metric_spike")
	rootCmd.AddCommand(signalCmd)
}
