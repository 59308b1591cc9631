package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/healingd/internal/healing"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func newSessionsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect live healing sessions",
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var sessions []healing.Session
			raw, err := getJSON("/api/v1/sessions", &sessions)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				_, err = out.Write(raw)
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tSTATE\tATTEMPTS\tORIGIN\tUPDATED")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					s.Key, s.State, s.Attempts, s.Origin, s.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <key>",
		Short: "Show one live session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := getJSON("/api/v1/sessions/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			return printIndented(cmd.OutOrStdout(), raw)
		},
	})
	return cmd
}

func newReportsCmd() *cobra.Command {
	var (
		asJSON  bool
		outcome string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Inspect archived session reports",
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON")

	list := &cobra.Command{
		Use:   "list",
		Short: "List reports, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if outcome != "" {
				q.Set("outcome", outcome)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/v1/reports"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var reports []healing.Report
			raw, err := getJSON(path, &reports)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				_, err = out.Write(raw)
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tOUTCOME\tATTEMPTS\tORIGIN\tCLOSED\tREASON")
			for _, r := range reports {
				o := string(r.Outcome)
				if r.Provisional {
					o += " (provisional)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
					r.Key, o, len(r.Attempts), r.Origin, r.ClosedAt.Format(time.RFC3339), r.Reason)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&outcome, "outcome", "", "filter by outcome (resolved, escalated, failed)")
	list.Flags().IntVar(&limit, "limit", 0, "maximum reports to return")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <key>",
		Short: "Show the latest report for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := getJSON("/api/v1/reports/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			return printIndented(cmd.OutOrStdout(), raw)
		},
	})
	return cmd
}

// getJSON fetches path from the server, decodes it into v when v is not
// nil and returns the raw body.
func getJSON(path string, v any) ([]byte, error) {
	u := serverURL + path
	resp, err := httpClient.Get(u)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &e) == nil && e.Message != "" {
			return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, e.Message)
		}
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	if v != nil {
		if err := json.Unmarshal(body, v); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return body, nil
}

func printIndented(w io.Writer, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
