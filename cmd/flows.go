package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"flowproxy/core"
	"flowproxy/database"
	"flowproxy/logger"
	"flowproxy/models"

	"github.com/spf13/cobra"
)

var (
	flowsListLimit  int
	flowsListPage   int
	flowsListStatus string
	flowsListMethod string
	flowsListSearch string
	flowsShowBodies bool
	flowsReplayPath string
	flowsReplayHost string
	flowsReplayPort int
	flowsPurgeForce bool
)

var flowsCmd = &cobra.Command{
	Use:     "flows",
	Short:   "View, replay and purge journaled flows",
	Aliases: []string{"fl"},
}

func printHeaders(w io.Writer, h models.Headers) {
	for _, f := range h {
		fmt.Fprintf(w, "%s: %s\n", f.Name, f.Value)
	}
}

// printBody decodes the Content-Encoding and pretty-prints JSON bodies.
func printBody(w io.Writer, body []byte, h models.Headers) {
	if len(body) == 0 {
		return
	}
	decoded, err := models.DecodeContent(body, h.Get("Content-Encoding"))
	if err != nil {
		logger.Debug("Could not decode body (%v), printing raw bytes.", err)
		decoded = body
	}
	if strings.Contains(strings.ToLower(h.Get("Content-Type")), "json") {
		var prettyJSON bytes.Buffer
		if err := json.Indent(&prettyJSON, decoded, "", "  "); err == nil {
			fmt.Fprintln(w, prettyJSON.String())
			return
		}
	}
	fmt.Fprintln(w, strings.ToValidUTF8(string(decoded), ""))
}

func printFlowTable(w io.Writer, flows []*models.Flow) {
	writer := tabwriter.NewWriter(w, 0, 8, 1, '\t', 0)
	fmt.Fprintln(writer, "ID\tTIMESTAMP\tMETH\tURL\tSTATUS\tSIZE\tDURATION\tERROR")
	fmt.Fprintln(writer, "--\t---------\t----\t---\t------\t----\t--------\t-----")
	for _, f := range flows {
		s := f.Summary()
		ts := "N/A"
		if !s.Timestamp.IsZero() {
			ts = s.Timestamp.Format("2006-01-02 15:04:05")
		}
		displayURL := s.URL
		if len(displayURL) > 80 {
			displayURL = displayURL[:77] + "..."
		}
		status := "-"
		if s.StatusCode != 0 {
			status = fmt.Sprint(s.StatusCode)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%d\t%dms\t%s\n",
			s.ID, ts, s.Method, displayURL, status, s.ResponseBytes, s.DurationMs, s.Error)
	}
	writer.Flush()
}

func printFlow(w io.Writer, f *models.Flow, bodies bool) {
	snap := f.Snapshot()
	fmt.Fprintf(w, "Flow %s\n", snap.ID)
	if cc := snap.ClientConn; cc != nil {
		fmt.Fprintf(w, "Client: %s (tls=%t sni=%q)\n", cc.Address, cc.TLSEstablished, cc.SNI)
	}
	if sc := snap.ServerConn; sc != nil {
		fmt.Fprintf(w, "Server: %s (tls=%t reused=%t)\n", sc.Address, sc.TLSEstablished, sc.Reused)
	}
	if req := snap.Request; req != nil {
		fmt.Fprintf(w, "\n%s %s %s\n", req.Method, req.URL(), req.HTTPVersion)
		printHeaders(w, req.Headers)
		if bodies {
			fmt.Fprintln(w)
			printBody(w, req.Content, req.Headers)
		}
	}
	if resp := snap.Response; resp != nil {
		fmt.Fprintf(w, "\n%s %d %s\n", resp.HTTPVersion, resp.StatusCode, resp.Reason)
		printHeaders(w, resp.Headers)
		if bodies {
			fmt.Fprintln(w)
			printBody(w, resp.Content, resp.Headers)
		}
	}
	if e := snap.Error; e != nil {
		fmt.Fprintf(w, "\nError (%s): %s\n", e.Kind, e.Msg)
	}
}

var flowsListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List journaled flows with filters and pagination",
	Aliases: []string{"ls"},
	Example: `  # List the first 30 flows
  flowproxy flows list

  # Second page, 20 per page
  flowproxy flows list --limit 20 --page 2

  # Only failed flows
  flowproxy flows list --status error`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.Info("Executing 'flows list' command")
		if flowsListPage < 1 {
			flowsListPage = 1
		}
		if flowsListLimit < 1 {
			flowsListLimit = 30
		}
		filters := models.FlowFilters{
			Page: flowsListPage, Limit: flowsListLimit,
			FilterMethod: flowsListMethod, FilterStatus: flowsListStatus, FilterSearch: flowsListSearch,
		}

		// Filters apply to decoded flows, so the page is cut after filtering.
		all, _, err := flowStore.ListFlows(0, 0)
		if err != nil {
			return fmt.Errorf("listing flows: %w", err)
		}
		var matched []*models.Flow
		for _, f := range all {
			if filters.Match(f.Summary()) {
				matched = append(matched, f)
			}
		}
		if len(matched) == 0 {
			fmt.Println("No matching flows found.")
			return nil
		}

		pageInfo := models.NewPaginatedResponse(filters.Page, filters.Limit, len(matched), nil)
		if filters.Page > pageInfo.TotalPages {
			filters.Page = pageInfo.TotalPages
		}
		start := filters.Offset()
		end := start + filters.Limit
		if end > len(matched) {
			end = len(matched)
		}

		printFlowTable(os.Stdout, matched[start:end])
		fmt.Println("---")
		fmt.Printf("Page %d / %d (%d matching flows)\n", filters.Page, pageInfo.TotalPages, len(matched))
		return nil
	},
}

var flowsShowCmd = &cobra.Command{
	Use:   "show <flow-id>",
	Short: "Show one flow with headers and, optionally, bodies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := flowStore.GetFlow(args[0])
		if err != nil {
			if errors.Is(err, database.ErrFlowNotFound) {
				fmt.Fprintf(os.Stderr, "Flow %s not found.\n", args[0])
			}
			return err
		}
		printFlow(os.Stdout, f, flowsShowBodies)
		return nil
	},
}

var flowsReplayCmd = &cobra.Command{
	Use:   "replay <flow-id>",
	Short: "Send a journaled flow's request again and record the new response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := flowStore.GetFlow(args[0])
		if err != nil {
			return err
		}
		if flowsReplayPath != "" || flowsReplayHost != "" || flowsReplayPort != 0 {
			req := f.Snapshot().Request
			if flowsReplayPath != "" {
				req.Path = flowsReplayPath
			}
			if flowsReplayHost != "" {
				req.Host = flowsReplayHost
				req.Headers.Set("Host", flowsReplayHost)
			}
			if flowsReplayPort != 0 {
				req.Port = flowsReplayPort
			}
			f.SetRequest(req)
		}

		opts, err := engineOptions("", "")
		if err != nil {
			return err
		}
		session := core.NewSession(opts, nil, nil)
		defer session.Close()
		session.Sink = flowStore

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := session.Replay(ctx, f); err != nil {
			fmt.Fprintf(os.Stderr, "Replay failed: %v\n", err)
			return err
		}
		printFlow(os.Stdout, f, flowsShowBodies)
		return nil
	},
}

var flowsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every journaled flow",
	Long:  `Deletes all flows from the journal. Asks for confirmation unless --force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.Info("Executing 'flows purge' command")
		if !flowsPurgeForce {
			fmt.Print("WARNING: This will permanently delete all journaled flows.\nAre you sure you want to continue? (yes/no): ")
			reader := bufio.NewReader(os.Stdin)
			input, _ := reader.ReadString('\n')
			if strings.ToLower(strings.TrimSpace(input)) != "yes" {
				fmt.Println("Purge operation cancelled.")
				return nil
			}
		}
		n, err := flowStore.DeleteAll()
		if err != nil {
			logger.Error("Failed to purge flows: %v", err)
			return err
		}
		fmt.Printf("Successfully purged %d flows.\n", n)
		logger.Info("Purged %d flows.", n)
		return nil
	},
}

func init() {
	flowsListCmd.Flags().IntVarP(&flowsListLimit, "limit", "l", 30, "Number of flows per page")
	flowsListCmd.Flags().IntVarP(&flowsListPage, "page", "p", 1, "Page number to display")
	flowsListCmd.Flags().StringVarP(&flowsListStatus, "status", "s", "", "Status code, class such as 4xx, or 'error'")
	flowsListCmd.Flags().StringVarP(&flowsListMethod, "method", "m", "", "Request method")
	flowsListCmd.Flags().StringVar(&flowsListSearch, "search", "", "Substring of the request URL")

	flowsShowCmd.Flags().BoolVarP(&flowsShowBodies, "bodies", "b", false, "Print decoded request and response bodies")

	flowsReplayCmd.Flags().StringVar(&flowsReplayPath, "path", "", "Replace the request path before replaying")
	flowsReplayCmd.Flags().StringVar(&flowsReplayHost, "host", "", "Replace the request host before replaying")
	flowsReplayCmd.Flags().IntVar(&flowsReplayPort, "port", 0, "Replace the request port before replaying")
	flowsReplayCmd.Flags().BoolVarP(&flowsShowBodies, "bodies", "b", false, "Print decoded bodies of the replayed flow")

	flowsPurgeCmd.Flags().BoolVarP(&flowsPurgeForce, "force", "", false, "Skip confirmation before purging records")

	flowsCmd.AddCommand(flowsListCmd)
	flowsCmd.AddCommand(flowsShowCmd)
	flowsCmd.AddCommand(flowsReplayCmd)
	flowsCmd.AddCommand(flowsPurgeCmd)
	rootCmd.AddCommand(flowsCmd)
}
