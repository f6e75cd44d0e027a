package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	diagnosticsURL    string
	diagnosticsAPIKey string
)

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Fetch the diagnostics export from a running service",
	Long: `Print sessions, recent errors, statistics and monitor state as JSON.

Examples:
  pvs diagnostics --url http://localhost:8080 --api-key $API_KEY
  pvs diagnostics > snapshot.json`,
	RunE: runDiagnostics,
}

func init() {
	diagnosticsCmd.Flags().StringVar(&diagnosticsURL, "url", "http://localhost:8080", "base URL of the service")
	diagnosticsCmd.Flags().StringVar(&diagnosticsAPIKey, "api-key", os.Getenv("API_KEY"), "operator API key")
}

func runDiagnostics(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, strings.TrimRight(diagnosticsURL, "/")+"/v1/diagnostics", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", diagnosticsAPIKey)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("diagnostics request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return fmt.Errorf("invalid diagnostics payload: %w", err)
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(cmd.OutOrStdout())
	return err
}
