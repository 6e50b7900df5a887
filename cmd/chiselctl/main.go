// Command chiselctl is a thin HTTP client for a running chiselcored: it
// posts an apply RPC body read from a local JSON file, or mints a legacy
// session token, over the same /apply and /login routes
// internal/httpapi/routes.go exposes. It exists so the apply RPC and the
// legacy login route have a real external caller rather than only being
// reachable from tests.
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
	serverAddr  string
	adminSecret string
)

var rootCmd = &cobra.Command{
	Use:   "chiselctl",
	Short: "client for a running chiselcored server",
}

var applyCmd = &cobra.Command{
	Use:   "apply <file.json>",
	Short: "POST an apply RPC body to the server",
	Args:  cobra.ExactArgs(1),
	RunE:  runApply,
}

var loginCmd = &cobra.Command{
	Use:   "login <user-id>",
	Short: "mint a legacy session token for user-id",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogin,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "chiselcored base URL")
	rootCmd.PersistentFlags().StringVar(&adminSecret, "admin-secret", "", "ChiselAuth header value")
	rootCmd.AddCommand(applyCmd, loginCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runApply(cmd *cobra.Command, args []string) error {
	body, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("chiselctl: reading %s: %w", args[0], err)
	}
	resp, err := postJSON(serverAddr+"/apply", body)
	if err != nil {
		return err
	}
	fmt.Println(string(resp))
	return nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(map[string]string{"user_id": args[0]})
	if err != nil {
		return err
	}
	resp, err := postJSON(serverAddr+"/login", body)
	if err != nil {
		return err
	}
	fmt.Println(string(resp))
	return nil
}

// postJSON sends body to url with the ChiselAuth header set when the
// caller supplied --admin-secret, returning the response body on 2xx and
// an error carrying the server's message otherwise.
func postJSON(url string, body []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if adminSecret != "" {
		req.Header.Set("ChiselAuth", adminSecret)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chiselctl: request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("chiselctl: %s returned %s: %s", url, resp.Status, respBody)
	}
	return respBody, nil
}
