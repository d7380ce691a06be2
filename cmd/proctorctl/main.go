// proctorctl is the operator CLI for proctord.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"proctord/internal/config"
	"proctord/internal/protocol"
)

var (
	configPath = flag.String("config", "", "path to config file")
	serverURL  = flag.String("server", "", "proctord base URL (default from config)")
	adminToken = flag.String("token", "", "admin token (default from config or PROCTORD_ADMIN_TOKEN)")
	limit      = flag.Int("limit", 0, "cap list output at this many rows")
	activeOnly = flag.Bool("active", false, "list only sessions that are still open")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)

	switch cmd {
	case "status":
		cmdStatus()
	case "sessions":
		cmdSessions()
	case "violations":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: proctorctl violations <attempt-id>")
			os.Exit(1)
		}
		cmdViolations(flag.Arg(1))
	case "create":
		if flag.NArg() < 3 {
			fmt.Fprintln(os.Stderr, "Usage: proctorctl create <session-id> <user-id>")
			os.Exit(1)
		}
		cmdCreate(flag.Arg(1), flag.Arg(2))
	case "end":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: proctorctl end <attempt-id>")
			os.Exit(1)
		}
		cmdEnd(flag.Arg(1))
	case "watch":
		cmdWatch()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `proctorctl - Operator utility for proctord

Usage: proctorctl [options] <command> [args]

Commands:
  status                    Show server status and totals
  sessions                  List exam attempts
  violations <attempt-id>   Print the violations of one attempt
  create <session> <user>   Open an attempt and mint its agent token
  end <attempt-id>          Force-close an attempt
  watch                     Live session dashboard
  help                      Show this help message

Options:
  -config <path>   Path to config file
  -server <url>    proctord base URL
  -token <token>   Admin token
  -active          Only open sessions (sessions, watch)
  -limit <n>       Cap list output`)
}

// newClient resolves the server URL and admin token from flags, then the
// config file and its environment overrides.
func newClient() *adminClient {
	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	base := *serverURL
	if base == "" {
		base = cfg.Agent.ServerURL
	}
	if base == "" {
		base = "http://" + cfg.Server.ListenAddr
	}

	token := *adminToken
	if token == "" {
		token = cfg.Security.AdminToken
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "No admin token configured. Pass -token or set PROCTORD_ADMIN_TOKEN.")
		os.Exit(1)
	}

	return &adminClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

func cmdStatus() {
	c := newClient()

	var status protocol.StatusResult
	if err := c.get(protocol.PathStatus, &status); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== proctord Status ===")
	fmt.Println()
	fmt.Printf("Server:          %s\n", c.base)
	fmt.Printf("Version:         %s\n", status.Version)
	fmt.Printf("Store driver:    %s\n", status.Driver)
	fmt.Printf("Started:         %s\n", status.StartedAt.Local().Format(time.RFC1123))
	fmt.Printf("Uptime:          %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
	fmt.Println()
	fmt.Printf("Open sessions:   %d\n", status.OpenSessions)
	fmt.Printf("Total sessions:  %d\n", status.TotalSessions)
	fmt.Printf("Total events:    %d\n", status.TotalEvents)
}

func cmdSessions() {
	c := newClient()

	var list protocol.SessionListResult
	if err := c.get(sessionsPath(*activeOnly, *limit), &list); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if len(list.Sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return
	}

	fmt.Printf("%-36s %-12s %-8s %-20s %-10s %s\n",
		"Attempt", "Session", "User", "Started", "Violations", "State")
	fmt.Println(strings.Repeat("-", 100))
	for _, s := range list.Sessions {
		fmt.Printf("%-36s %-12s %-8d %-20s %-10d %s\n",
			s.AttemptID,
			s.SessionID,
			s.UserID,
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			s.Violations,
			sessionState(s),
		)
	}
}

func cmdViolations(attemptID string) {
	c := newClient()

	path := protocol.PathSessions + "/" + attemptID + "/violations"
	if *limit > 0 {
		path += "?limit=" + strconv.Itoa(*limit)
	}

	var list protocol.ViolationListResult
	if err := c.get(path, &list); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("=== Violations for %s (exam %s) ===\n", attemptID, list.SessionID)
	if len(list.Violations) == 0 {
		fmt.Println("No violations recorded.")
		return
	}

	fmt.Printf("%-6s %-20s %-20s %s\n", "ID", "Event", "Time", "Details")
	fmt.Println(strings.Repeat("-", 80))
	for _, v := range list.Violations {
		details := ""
		if v.Details != nil {
			details = *v.Details
		}
		fmt.Printf("%-6d %-20s %-20s %s\n",
			v.ID,
			v.EventType,
			v.EventTime.Local().Format("2006-01-02 15:04:05"),
			details,
		)
	}
	fmt.Printf("\nTotal: %d\n", len(list.Violations))
}

func cmdCreate(sessionID, userArg string) {
	userID, err := strconv.ParseInt(userArg, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid user id %q: %v\n", userArg, err)
		os.Exit(1)
	}

	c := newClient()

	var created protocol.CreateSessionResult
	req := protocol.CreateSessionRequest{SessionID: sessionID, UserID: userID}
	if err := c.post(protocol.PathSessions, &req, &created); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Session opened.")
	fmt.Printf("  Attempt ID: %s\n", created.AttemptID)
	fmt.Printf("  Exam:       %s\n", created.SessionID)
	fmt.Printf("  User:       %d\n", created.UserID)
	fmt.Printf("  Started:    %s\n", created.StartedAt.Local().Format(time.RFC1123))
	fmt.Println()
	fmt.Println("Agent token (shown once, pass to proctor-agent -token):")
	fmt.Printf("  %s\n", created.Token)
}

func cmdEnd(attemptID string) {
	c := newClient()

	var result protocol.EndSessionResult
	if err := c.post(protocol.PathSessions+"/"+attemptID+"/end", nil, &result); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if result.Ended {
		fmt.Printf("Session %s ended.\n", result.SessionID)
	} else {
		fmt.Printf("Session %s was already closed.\n", result.SessionID)
	}
	if result.EndedAt != nil {
		fmt.Printf("Ended at: %s\n", result.EndedAt.Local().Format(time.RFC1123))
	}
}

func sessionsPath(active bool, limit int) string {
	path := protocol.PathSessions
	var params []string
	if active {
		params = append(params, "active=true")
	}
	if limit > 0 {
		params = append(params, "limit="+strconv.Itoa(limit))
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}
	return path
}

func sessionState(s protocol.SessionInfo) string {
	if s.EndedAt == nil {
		return "ACTIVE"
	}
	if s.EndedReason != nil && *s.EndedReason != "" {
		return "ENDED (" + *s.EndedReason + ")"
	}
	return "ENDED"
}

// adminClient speaks the admin half of the proctord API.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *adminClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *adminClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *adminClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env protocol.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server answered %s", resp.Status)
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		if env.Error != nil {
			return errors.New(*env.Error)
		}
		return fmt.Errorf("server answered %s", resp.Status)
	}
	return env.DecodeData(out)
}
