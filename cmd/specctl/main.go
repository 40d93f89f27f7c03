// Package main implements the specctl CLI for manual operations against
// the specflowd orchestration daemon.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the specflowd HTTP server
	serverURL string
	// jsonOutput switches human-readable output to raw JSON
	jsonOutput bool
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "specctl",
	Short: "CLI for specflowd orchestration operations",
	Long: `specctl is a command-line interface for the specflowd orchestration daemon.
It starts, inspects and controls orchestration executions over the HTTP API.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9190", "specflowd server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON responses")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(mergeCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check specflowd server health",
	Long: `Check the health status of the specflowd HTTP server.

Examples:
  # Check health
  specctl health

  # Check health on a different server
  specctl health --server http://localhost:8080`,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := apiCall(http.MethodGet, "/health", nil, &resp); err != nil {
		return err
	}
	fmt.Printf("Server status: %s\n", resp.Status)
	return nil
}

// apiCall performs one HTTP request against the daemon and decodes the
// JSON response into out (unless --json, which prints it verbatim).
func apiCall(method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(data))
	}

	if jsonOutput {
		var indented bytes.Buffer
		if err := json.Indent(&indented, data, "", "  "); err != nil {
			fmt.Println(string(data))
		} else {
			fmt.Println(indented.String())
		}
		return nil
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
