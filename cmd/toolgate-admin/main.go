// ABOUTME: Admin CLI for toolgate server and instance management.
// ABOUTME: Talks JSON over HTTP with bearer token authentication.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

const banner = `
 _              _             _                      _           _
| |_ ___   ___ | | __ _  __ _| |_ ___        __ _  __| |_ __ ___ (_)_ __
| __/ _ \ / _ \| |/ _' |/ _' | __/ _ \_____ / _' |/ _' | '_ ' _ \| | '_ \
| || (_) | (_) | | (_| | (_| | ||  __/_____| (_| | (_| | | | | | | | | | |
 \__\___/ \___/|_|\__, |\__,_|\__\___|      \__,_|\__,_|_| |_| |_|_|_| |_|
                  |___/
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("TOOLGATE_HOST")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	token := os.Getenv("TOOLGATE_TOKEN")

	c := &apiClient{baseURL: baseURL, token: token}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(c)
	case "servers":
		err = cmdServers(c, args)
	case "instances":
		err = cmdInstances(c, args)
	case "toolsets":
		err = cmdToolsets(c)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: toolgate-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                    Check server health")
	fmt.Println("  servers                   List allow-listed servers")
	fmt.Println("  servers add <url> <name>  Add a server to the allow list")
	fmt.Println("  servers enable <id>       Enable a server")
	fmt.Println("  servers disable <id>      Disable a server")
	fmt.Println("  servers show <id>         Show a server with instance counts")
	fmt.Println("  instances                 List your instances")
	fmt.Println("  toolsets                  List built-in toolset types")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  TOOLGATE_HOST   Server base URL (default http://localhost:8080)")
	fmt.Println("  TOOLGATE_TOKEN  JWT session token (required)")
}

type apiClient struct {
	baseURL string
	token   string
}

func (c *apiClient) do(method, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("unexpected response: %s", string(raw))
		}
	}

	if resp.StatusCode >= 400 {
		if msg, ok := decoded["error"].(string); ok {
			return nil, fmt.Errorf("%s (status %d)", msg, resp.StatusCode)
		}
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return decoded, nil
}

func cmdStatus(c *apiClient) error {
	resp, err := c.do(http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	color.Green("Server: %s", resp["status"])
	return nil
}

func cmdServers(c *apiClient, args []string) error {
	if len(args) == 0 || args[0] == "list" {
		return cmdServersList(c)
	}
	switch args[0] {
	case "add":
		if len(args) < 3 {
			return fmt.Errorf("usage: servers add <url> <name>")
		}
		resp, err := c.do(http.MethodPost, "/api/servers", map[string]any{
			"url":  args[1],
			"name": strings.Join(args[2:], " "),
		})
		if err != nil {
			return err
		}
		color.Green("Added server %s", resp["id"])
		return nil
	case "enable", "disable":
		if len(args) < 2 {
			return fmt.Errorf("usage: servers %s <id>", args[0])
		}
		enabled := args[0] == "enable"
		_, err := c.do(http.MethodPost, "/api/servers/"+args[1]+"/enabled", map[string]any{
			"enabled": enabled,
		})
		if err != nil {
			return err
		}
		color.Green("Server %s %sd", args[1], args[0])
		return nil
	case "show":
		if len(args) < 2 {
			return fmt.Errorf("usage: servers show <id>")
		}
		return cmdServerShow(c, args[1])
	default:
		return fmt.Errorf("unknown servers subcommand: %s", args[0])
	}
}

func cmdServersList(c *apiClient) error {
	resp, err := c.do(http.MethodGet, "/api/servers", nil)
	if err != nil {
		return err
	}

	servers, _ := resp["servers"].([]any)
	if len(servers) == 0 {
		fmt.Println("No servers registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tURL\tENABLED")
	fmt.Fprintln(w, "  --\t----\t---\t-------")
	for _, entry := range servers {
		srv, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		enabled := "no"
		if b, _ := srv["enabled"].(bool); b {
			enabled = "yes"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
			truncate(str(srv["id"]), 12), truncate(str(srv["name"]), 24),
			truncate(str(srv["url"]), 48), enabled)
	}
	w.Flush()
	return nil
}

func cmdServerShow(c *apiClient, id string) error {
	resp, err := c.do(http.MethodGet, "/api/servers/"+id, nil)
	if err != nil {
		return err
	}

	srv, _ := resp["server"].(map[string]any)
	counts, _ := resp["instances"].(map[string]any)

	fmt.Printf("ID:      %s\n", str(srv["id"]))
	fmt.Printf("Name:    %s\n", str(srv["name"]))
	fmt.Printf("URL:     %s\n", str(srv["url"]))
	fmt.Printf("Enabled: %v\n", srv["enabled"])
	if counts != nil {
		fmt.Printf("Instances: %v enabled / %v total\n", counts["enabled"], counts["total"])
	}
	return nil
}

func cmdInstances(c *apiClient, args []string) error {
	resp, err := c.do(http.MethodGet, "/api/instances", nil)
	if err != nil {
		return err
	}

	instances, _ := resp["instances"].([]any)
	if len(instances) == 0 {
		fmt.Println("No instances.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tSLUG\tKIND\tAUTH\tENABLED\tTOOLS")
	fmt.Fprintln(w, "  --\t----\t----\t----\t-------\t-----")
	for _, entry := range instances {
		inst, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		enabled := "no"
		if b, _ := inst["enabled"].(bool); b {
			enabled = "yes"
		}
		tools, _ := inst["whitelist"].([]any)
		cache, _ := inst["tool_cache"].([]any)
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%d/%d\n",
			truncate(str(inst["id"]), 12), truncate(str(inst["slug"]), 20),
			str(inst["kind"]), str(inst["auth_kind"]), enabled, len(tools), len(cache))
	}
	w.Flush()
	return nil
}

func cmdToolsets(c *apiClient) error {
	resp, err := c.do(http.MethodGet, "/api/toolset-types", nil)
	if err != nil {
		return err
	}

	types, _ := resp["toolset_types"].([]any)
	for _, entry := range types {
		ts, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		color.Cyan("%s", str(ts["type"]))
		tools, _ := ts["tools"].([]any)
		for _, toolEntry := range tools {
			tool, ok := toolEntry.(map[string]any)
			if !ok {
				continue
			}
			fmt.Printf("  %s  %s\n", str(tool["name"]), str(tool["description"]))
		}
	}
	return nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
