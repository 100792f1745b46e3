package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ChuLiYu/docflow/internal/server"
	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// ingest
// ============================================================================

func buildIngestCommand(opts *rootOptions) *cobra.Command {
	var (
		file string
		req  server.IngestRequest
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Submit documents for extraction",
		Long: `Submit one document with --uri, or many from a JSON file with --file:

  [
    {"case_id": "inv-1", "document_uri": "s3://scans/inv-1.pdf", "vendor_id": "acme"}
  ]`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var reqs []server.IngestRequest
			switch {
			case file != "" && req.DocumentURI != "":
				return fmt.Errorf("use either --file or --uri, not both")
			case file != "":
				var err error
				if reqs, err = readIngestFile(file); err != nil {
					return err
				}
			case req.DocumentURI != "":
				reqs = []server.IngestRequest{req}
			default:
				return fmt.Errorf("a document is required (use --uri or --file)")
			}

			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				w := cmd.OutOrStdout()
				accepted := 0
				for _, r := range reqs {
					created, err := c.Ingest(ctx, r)
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "failed to ingest %s: %v\n", r.DocumentURI, err)
						continue
					}
					accepted++
					fmt.Fprintf(w, "%s\t%s\n", created.ID, created.State)
				}
				if accepted < len(reqs) {
					return fmt.Errorf("ingested %d/%d documents", accepted, len(reqs))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing document definitions")
	cmd.Flags().StringVar(&req.DocumentURI, "uri", "", "document URI")
	cmd.Flags().StringVar(&req.CaseID, "id", "", "case id (generated when empty)")
	cmd.Flags().StringVar(&req.VendorID, "vendor", "", "vendor id")
	cmd.Flags().StringVar(&req.VendorName, "vendor-name", "", "vendor display name")
	cmd.Flags().IntVar(&req.PageWidth, "page-width", 0, "page width in pixels")
	cmd.Flags().IntVar(&req.PageHeight, "page-height", 0, "page height in pixels")
	return cmd
}

func readIngestFile(path string) ([]server.IngestRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document file: %w", err)
	}
	var reqs []server.IngestRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("failed to parse document file: %w", err)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("document file %s is empty", path)
	}
	return reqs, nil
}

// ============================================================================
// case, queue, stats
// ============================================================================

func buildCaseCommand(opts *rootOptions) *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "case <id>",
		Short: "Show a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				got, err := c.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				if !history {
					return printJSON(cmd.OutOrStdout(), got)
				}
				events, err := c.History(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), struct {
					Case   *types.Case             `json:"case"`
					Events []types.TransitionEvent `json:"history"`
				}{got, events})
			})
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "include the transition history")
	return cmd
}

func buildQueueCommand(opts *rootOptions) *cobra.Command {
	var (
		req      server.QueryRequest
		minConf  float64
		maxConf  float64
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List the review queue",
		Long:  "List cases in one state (default needs_review), lowest confidence first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("min-confidence") {
				req.MinConfidence = &minConf
			}
			if cmd.Flags().Changed("max-confidence") {
				req.MaxConfidence = &maxConf
			}
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				res, err := c.QueryQueue(ctx, req)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), res)
				}
				printQueue(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.State, "state", "", "case state (default needs_review)")
	cmd.Flags().StringVar(&req.Vendor, "vendor", "", "vendor id or name (case-insensitive)")
	cmd.Flags().Float64Var(&minConf, "min-confidence", 0, "lowest aggregate confidence")
	cmd.Flags().Float64Var(&maxConf, "max-confidence", 100, "highest aggregate confidence")
	cmd.Flags().StringVar(&req.SortBy, "sort", "", "priority, created_at, updated_at or confidence")
	cmd.Flags().StringVar(&req.Order, "order", "", "asc or desc")
	cmd.Flags().IntVar(&req.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&req.PageSize, "page-size", 20, "entries per page")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printQueue(w io.Writer, res *server.QueryResponse) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Case", "State", "Vendor", "Confidence", "Tier", "Total", "Flags", "Retries", "Reviewer"})
	table.SetBorder(false)
	for _, e := range res.Entries {
		conf := "-"
		if e.Confidence != nil {
			conf = strconv.FormatFloat(*e.Confidence, 'f', 1, 64)
		}
		vendor := e.VendorName
		if vendor == "" {
			vendor = e.VendorID
		}
		table.Append([]string{
			string(e.CaseID),
			string(e.State),
			vendor,
			conf,
			string(e.Tier),
			e.Total,
			strings.Join(e.Flags, ","),
			strconv.Itoa(e.RetryCount),
			e.Reviewer,
		})
	}
	table.Render()
	fmt.Fprintf(w, "page %d/%d, %d cases\n", res.Page, res.TotalPages, res.Total)
}

func buildStatsCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				st, err := c.QueueStats(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), st)
				}
				printStats(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printStats(w io.Writer, st *types.QueueStats) {
	fmt.Fprintf(w, "  total:              %d\n", st.Total)
	fmt.Fprintf(w, "  pending review:     %d\n", st.Pending)
	fmt.Fprintf(w, "  in review:          %d\n", st.InReview)
	fmt.Fprintf(w, "  approved:           %d\n", st.Approved)
	fmt.Fprintf(w, "  rejected:           %d\n", st.Rejected)
	fmt.Fprintf(w, "  average confidence: %.1f\n", st.AverageConfidence)
	for _, s := range types.AllStates {
		if n := st.ByState[s]; n > 0 {
			fmt.Fprintf(w, "    %-14s %d\n", s, n)
		}
	}
}

// ============================================================================
// review
// ============================================================================

func buildReviewCommand(opts *rootOptions) *cobra.Command {
	var reviewer, reason string
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Open, release or decide a case",
	}
	cmd.PersistentFlags().StringVarP(&reviewer, "reviewer", "r", os.Getenv("USER"), "reviewer name")
	cmd.PersistentFlags().StringVar(&reason, "reason", "", "reason recorded in the history")

	action := func(use, short string, call func(ctx context.Context, c *server.Client, id string) (*types.Case, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if reviewer == "" {
					return fmt.Errorf("a reviewer is required (use --reviewer)")
				}
				return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
					got, err := call(ctx, c, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", got.ID, got.State)
					return nil
				})
			},
		}
	}

	cmd.AddCommand(
		action("open", "Take exclusive hold of a case awaiting review",
			func(ctx context.Context, c *server.Client, id string) (*types.Case, error) {
				return c.OpenCase(ctx, id, reviewer)
			}),
		action("release", "Return a held case to the queue",
			func(ctx context.Context, c *server.Client, id string) (*types.Case, error) {
				return c.ReleaseCase(ctx, id, reviewer, reason)
			}),
		action("approve", "Approve a held case",
			func(ctx context.Context, c *server.Client, id string) (*types.Case, error) {
				return c.DecideCase(ctx, id, reviewer, true, reason)
			}),
		action("reject", "Reject a held case",
			func(ctx context.Context, c *server.Client, id string) (*types.Case, error) {
				return c.DecideCase(ctx, id, reviewer, false, reason)
			}),
	)
	return cmd
}

// ============================================================================
// mask
// ============================================================================

func buildMaskCommand(opts *rootOptions) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "mask",
		Short: "Add or remove noise masks",
	}
	cmd.PersistentFlags().StringVar(&actor, "actor", os.Getenv("USER"), "actor recorded in the history")

	var req server.AddMaskRequest
	add := &cobra.Command{
		Use:   "add <case-id>",
		Short: "Mask a region of a case's document and re-extract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.CaseID = args[0]
			req.Actor = actor
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				resp, err := c.AddMask(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", resp.Mask.ID, resp.Case.ID, resp.Case.State)
				return nil
			})
		},
	}
	add.Flags().StringVar(&req.Type, "type", string(types.MaskCustom), "logo, watermark, header, footer or custom")
	add.Flags().IntVar(&req.Region.X, "x", 0, "region left edge")
	add.Flags().IntVar(&req.Region.Y, "y", 0, "region top edge")
	add.Flags().IntVar(&req.Region.Width, "width", 0, "region width")
	add.Flags().IntVar(&req.Region.Height, "height", 0, "region height")
	add.Flags().BoolVar(&req.VendorSpecific, "vendor", false, "apply to every case from the same vendor")

	rm := &cobra.Command{
		Use:   "rm <mask-id>",
		Short: "Remove a mask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				got, err := c.RemoveMask(ctx, args[0], actor)
				if err != nil {
					return err
				}
				if got == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tremoved\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tremoved\t%s\t%s\n", args[0], got.ID, got.State)
				return nil
			})
		},
	}

	cmd.AddCommand(add, rm)
	return cmd
}

// ============================================================================
// retry, export
// ============================================================================

func buildRetryCommand(opts *rootOptions) *cobra.Command {
	var req server.RetryRequest
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-queue a failed case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.CaseID = args[0]
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				res, err := c.RetryCase(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tprofile=%s\tretry=%d\teta=%dms\n",
					res.Case.ID, res.Case.State, res.Profile, res.Case.RetryCount, res.EstimatedTimeMs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Profile, "profile", "", "processing profile (default from config)")
	cmd.Flags().StringVar(&req.Actor, "actor", os.Getenv("USER"), "actor recorded in the history")
	return cmd
}

func buildExportCommand(opts *rootOptions) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export an approved case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				ref, err := c.ExportCase(ctx, args[0], actor)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[0], ref)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", os.Getenv("USER"), "actor recorded in the history")
	return cmd
}
