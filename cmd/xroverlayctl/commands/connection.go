package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var errUnknownFormat = errors.New("unknown output format, expected table or json")

// connectionInfo mirrors the diagnostics API's connection JSON.
type connectionInfo struct {
	PID             uint32 `json:"pid"`
	SessionState    string `json:"session_state"`
	Swapchains      int    `json:"swapchains"`
	EventQueueDepth int    `json:"event_queue_depth"`
	Handles         int    `json:"handles"`
}

func connectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connection",
		Aliases: []string{"conn"},
		Short:   "Manage overlay connections",
	}

	cmd.AddCommand(connectionListCmd())
	cmd.AddCommand(connectionShowCmd())
	cmd.AddCommand(connectionDisconnectCmd())

	return cmd
}

// --- connection list ---

func connectionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active overlay connections",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var conns []connectionInfo
			if err := getJSON("/v1/connections", &conns); err != nil {
				return fmt.Errorf("list connections: %w", err)
			}

			out, err := formatConnections(conns, outputFormat)
			if err != nil {
				return err
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- connection show ---

func connectionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <overlay-pid>",
		Short: "Show details of one overlay connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			pid, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("bad pid %q: %w", args[0], err)
			}

			var conn connectionInfo
			if err := getJSON(fmt.Sprintf("/v1/connections/%d", pid), &conn); err != nil {
				return fmt.Errorf("get connection: %w", err)
			}

			out, err := formatConnections([]connectionInfo{conn}, outputFormat)
			if err != nil {
				return err
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- connection disconnect ---

func connectionDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <overlay-pid>",
		Short: "Forcibly tear down an overlay connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			pid, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("bad pid %q: %w", args[0], err)
			}

			resp, err := httpClient.Post(baseURL()+fmt.Sprintf("/v1/connections/%d/disconnect", pid), "", nil)
			if err != nil {
				return fmt.Errorf("disconnect: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusAccepted {
				body, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("disconnect: %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}

			fmt.Printf("connection %d disconnecting\n", pid)

			return nil
		},
	}
}

// --- helpers ---

func getJSON(path string, out any) error {
	resp, err := httpClient.Get(baseURL() + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func formatConnections(conns []connectionInfo, format string) (string, error) {
	switch format {
	case "json":
		b, err := json.MarshalIndent(conns, "", "  ")
		if err != nil {
			return "", err
		}

		return string(b) + "\n", nil

	case "table":
		var sb strings.Builder

		w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PID\tSTATE\tSWAPCHAINS\tQUEUED EVENTS\tHANDLES")

		for _, c := range conns {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\n",
				c.PID, c.SessionState, c.Swapchains, c.EventQueueDepth, c.Handles)
		}

		w.Flush()

		return sb.String(), nil

	default:
		return "", errUnknownFormat
	}
}
