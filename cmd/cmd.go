package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/xhad/formulary/internal/models"
	"github.com/xhad/formulary/pkg/config"
	"github.com/xhad/formulary/pkg/llm"
	"github.com/xhad/formulary/pkg/pipeline"
	"github.com/xhad/formulary/pkg/retry"
	"github.com/xhad/formulary/server"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "formulary",
		Short:         "Medication dosage answers from the national medicines formulary",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd(opts))
	rootCmd.AddCommand(ingestCmd(opts))
	rootCmd.AddCommand(queryCmd(opts))
	rootCmd.AddCommand(statusCmd(opts))
	rootCmd.AddCommand(mcpCmd(opts))
	return rootCmd
}

func (o *rootOptions) app(cmd *cobra.Command, serving bool) (*app, error) {
	cfg, err := loadConfig(o.configPath, serving)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr(), o.verbose)
	return newApp(cmd.Context(), cfg, logger)
}

func serveCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.app(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg := a.config
			srv, err := server.New(server.Config{
				UploadDir:      cfg.Server.UploadDir,
				MaxUploadBytes: cfg.Server.MaxUploadBytes,
				QueryRateLimit: cfg.Server.QueryRateLimit,
				QueryBurst:     cfg.Server.QueryBurst,
				Auth:           authConfig(cfg, a.logger),
				Retry:          a.policy,
			}, a.ingestion, a.query, a.records, a.logger)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if dir := a.indexDir(); dir != "" && cfg.Retrieval.WatchIndex {
				if err := a.query.Watch(ctx, dir); err != nil {
					return fmt.Errorf("watching index directory: %w", err)
				}
			}

			if addr == "" {
				addr = net.JoinHostPort("", cfg.Server.Port)
			}
			return srv.Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default \":<server.port>\")")
	return cmd
}

func ingestCmd(opts *rootOptions) *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "ingest <file|url>",
		Short: "Build a new index generation from a formulary document",
		Long: `Read a formulary PDF, HTML or text document from a local path or an
http(s) URL, chunk and embed it, and publish it as the next index generation.
The previous generation stays live until the new one is fully persisted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.app(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			doc := documentFor(args[0], title)
			color.New(color.FgBlue).Fprintf(out, "\nIngesting %s\n", doc.Handle())

			progress := newIngestProgress(cmd.ErrOrStderr())
			report, err := retry.Do(cmd.Context(), a.policy, func(ctx context.Context) (pipeline.IngestReport, error) {
				return a.ingestion.Ingest(ctx, doc, progress)
			}, retryNotice(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}

			m := report.Manifest
			color.New(color.FgGreen).Fprintf(out, "✓ Generation %d: %d chunks embedded with %s in %s\n",
				m.Generation, report.Chunks, m.EmbeddingModel, report.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "document title (default: file name or URL)")
	return cmd
}

func queryCmd(opts *rootOptions) *cobra.Command {
	var (
		stream  bool
		sources bool
	)
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Ask a dosage question against the live index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.app(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			question := strings.Join(args, " ")
			answer, err := ask(cmd.Context(), a, out, cmd.ErrOrStderr(), question, stream)
			if err != nil {
				if errors.Is(err, models.ErrIndexNotFound) {
					return errors.New("no formulary has been ingested yet; run `formulary ingest` first")
				}
				return err
			}
			if answer.Refused {
				color.New(color.FgYellow).Fprintln(out, "(outside the formulary's dosage scope)")
			}
			if sources {
				printSources(out, answer)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&stream, "stream", "s", true, "stream the answer as it is generated")
	cmd.Flags().BoolVar(&sources, "sources", false, "list the retrieved chunks the answer was grounded on")
	return cmd
}

func ask(ctx context.Context, a *app, out, errOut io.Writer, question string, stream bool) (llm.Answer, error) {
	assistant := color.New(color.FgCyan)
	if !stream {
		spinner := getSpinner(errOut, "Searching formulary...")
		answer, err := retry.Do(ctx, a.policy, func(ctx context.Context) (llm.Answer, error) {
			return a.query.Ask(ctx, models.System, question)
		}, retryNotice(errOut))
		spinner.Finish()
		if err != nil {
			return answer, err
		}
		assistant.Fprintf(out, "%s\n", answer.Text)
		return answer, nil
	}

	// Streamed output cannot be taken back, so failures are not retried.
	answer, err := a.query.AskStream(ctx, models.System, question, func(chunk string) error {
		_, err := assistant.Fprint(out, chunk)
		return err
	})
	fmt.Fprintln(out)
	return answer, err
}

func printSources(w io.Writer, answer llm.Answer) {
	color.New(color.FgBlue).Fprintf(w, "\nSources (generation %d):\n", answer.Result.Generation)
	for _, hit := range answer.Result.Hits {
		excerpt := []rune(strings.Join(strings.Fields(hit.Chunk.Text), " "))
		if len(excerpt) > 80 {
			excerpt = append(excerpt[:80], '…')
		}
		fmt.Fprintf(w, "  %-12s %.3f  %s\n", hit.Chunk.ID(), hit.Score, string(excerpt))
	}
}

func statusCmd(opts *rootOptions) *cobra.Command {
	var answers int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the live index generation and recent answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.app(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			idx, err := a.query.Index(ctx)
			switch {
			case errors.Is(err, models.ErrIndexNotFound):
				color.New(color.FgYellow).Fprintln(out, "No formulary has been ingested yet.")
				return nil
			case err != nil:
				return err
			}
			m := idx.Manifest()
			fmt.Fprintf(out, "Generation:      %d\n", m.Generation)
			fmt.Fprintf(out, "Document:        %s (%s)\n", m.DocumentTitle, m.DocumentID)
			fmt.Fprintf(out, "Chunks:          %d\n", m.Count)
			fmt.Fprintf(out, "Embedding model: %s (%d dimensions)\n", m.EmbeddingModel, m.Dimension)
			fmt.Fprintf(out, "Built:           %s\n", m.CreatedAt.Local().Format(time.RFC1123))

			if doc, _, err := a.records.LatestDocument(ctx); err == nil && doc.UploadedBy != "" {
				fmt.Fprintf(out, "Uploaded by:     %s\n", doc.UploadedBy)
			}

			if answers <= 0 {
				return nil
			}
			recent, err := a.records.RecentAnswers(ctx, answers)
			if err != nil {
				return err
			}
			color.New(color.FgBlue).Fprintf(out, "\nRecent answers:\n")
			for _, rec := range recent {
				mark := " "
				if rec.Refused {
					mark = "✗"
				}
				fmt.Fprintf(out, "  %s %s  %-10s %s\n", mark, rec.CreatedAt.Local().Format(time.DateTime), rec.CallerID, rec.Query)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&answers, "answers", "n", 0, "also list the n most recent answers")
	return cmd
}

func mcpCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve dosage questions to MCP clients over stdio",
		Long: `Start a Model Context Protocol server on stdin/stdout exposing the
query_dosage and formulary_status tools. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.app(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := server.NewMCPServer(a.query, a.ingestion, a.policy, a.logger)
			if err != nil {
				return err
			}
			return s.Run(cmd.Context())
		},
	}
}

// authConfig enables development auth only when no secret is configured in a
// development environment. Every request then runs as an anonymous super_admin.
func authConfig(cfg *config.Config, logger zerolog.Logger) server.AuthConfig {
	auth := server.AuthConfig{
		Secret: []byte(cfg.Auth.JWTSecret),
		Issuer: cfg.Auth.Issuer,
		Dev:    cfg.IsDev() && cfg.Auth.JWTSecret == "",
	}
	if auth.Dev {
		logger.Warn().Str("env", cfg.Env).Msg("development auth enabled: all requests run as an anonymous super_admin")
	}
	return auth
}

// documentFor describes a path or URL argument as a source document.
func documentFor(arg, title string) models.SourceDocument {
	doc := models.SourceDocument{
		ID:         uuid.NewString(),
		Title:      title,
		UploadedAt: time.Now().UTC(),
		UploadedBy: models.System.Subject,
	}
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		doc.URL = arg
	} else {
		doc.Path = arg
	}
	if doc.Title == "" {
		doc.Title = filepath.Base(arg)
	}
	return doc
}

func retryNotice(w io.Writer) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		color.New(color.FgYellow).Fprintf(w, "attempt %d failed (%v), retrying in %s\n", attempt, err, delay)
	}
}
