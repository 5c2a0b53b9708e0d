// Command hostctl is a thin administrative client for a running host agent.
// It talks to the operational HTTP server: session listing, history, deletion,
// agent health, and service health.
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
	serverAddr   string
	timeout      time.Duration
	userFilter   string
	historyLimit int
)

var rootCmd = &cobra.Command{
	Use:   "hostctl",
	Short: "Administer a running EyeVi host agent",
	Long: `hostctl is an admin client for the host agent's operational server.

It lists and deletes sessions, shows agent health, and checks service
health over the same endpoints the monitoring stack uses.`,
	SilenceUsage: true,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage conversation sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/admin/sessions"
		if userFilter != "" {
			path += "?user=" + userFilter
		}
		return getJSON(path)
	},
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show one session's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/admin/sessions/" + args[0])
	},
}

var sessionsHistoryCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show one session's conversation turns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/admin/sessions/" + args[0] + "/history"
		if historyLimit > 0 {
			path += fmt.Sprintf("?limit=%d", historyLimit)
		}
		return getJSON(path)
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session from every storage tier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return request(http.MethodDelete, "/admin/sessions/"+args[0])
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect registered agents",
}

var agentsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent registry health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/agents/status")
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show service health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/health")
	},
}

func getJSON(path string) error {
	return request(http.MethodGet, path)
}

func request(method, path string) error {
	client := &http.Client{Timeout: timeout}

	url := strings.TrimSuffix(serverAddr, "/") + path
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		// Not JSON; print as-is.
		fmt.Println(strings.TrimSpace(string(body)))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", envOr("HOSTAGENT_ADDR", "http://localhost:8080"), "Operational server address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	sessionsListCmd.Flags().StringVar(&userFilter, "user", "", "Filter sessions by user id")
	sessionsHistoryCmd.Flags().IntVar(&historyLimit, "limit", 0, "Return only the most recent N turns")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsGetCmd, sessionsHistoryCmd, sessionsDeleteCmd)
	agentsCmd.AddCommand(agentsStatusCmd)
	rootCmd.AddCommand(sessionsCmd, agentsCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
