package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/capture"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/diagnostic"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/protocol"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/replay"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/server"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/storage"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/tools"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/web"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openStore opens the report database. Failures are logged; commands keep
// working without persistence.
func (rt *app) openStore() storage.Store {
	store, err := storage.New(&rt.cfg.Storage, rt.log)
	if err != nil {
		rt.log.Warn("Report storage unavailable", "path", rt.cfg.Storage.Path, "error", err)
		return nil
	}
	return store
}

func (rt *app) newRunner(captures capture.Store, store storage.Store) (*server.Runner, error) {
	return server.NewRunner(rt.cfg, rt.log, captures, store)
}

func closeStore(store storage.Store) {
	if store != nil {
		store.Close()
	}
}

func newDiagnoseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Probe every layer of an environment and report the first failure",
		Args:  cobra.NoArgs,
		RunE:  runDiagnose,
	}
	cmd.Flags().StringP("env", "e", "", "Environment name (default: configured default)")
	cmd.Flags().StringSlice("layers", nil, "Layers to run (backend, middleware, orchestration, conversational)")
	cmd.Flags().Bool("no-stop", false, "Keep probing later layers after a failure")
	cmd.Flags().Bool("stop-within-layer", false, "Stop a layer at its first failing test")
	return cmd
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	rt, err := loadApp(cmd)
	if err != nil {
		return err
	}
	store := rt.openStore()
	defer closeStore(store)

	runner, err := rt.newRunner(nil, store)
	if err != nil {
		return err
	}
	defer runner.Close()

	policy := runner.DefaultPolicy()
	if noStop, _ := cmd.Flags().GetBool("no-stop"); noStop {
		policy.StopOnFirstFailure = false
	}
	policy.StopWithinLayer, _ = cmd.Flags().GetBool("stop-within-layer")
	layers, _ := cmd.Flags().GetStringSlice("layers")
	for _, name := range layers {
		hop, err := protocol.ParseHop(name)
		if err != nil {
			return err
		}
		policy.Layers = append(policy.Layers, hop)
	}

	env, _ := cmd.Flags().GetString("env")
	ctx, cancel := signalContext()
	defer cancel()

	report, err := runner.Diagnose(ctx, env, policy, func(ev diagnostic.Event) {
		if err := rt.printer.PrintEvent(ev); err != nil {
			rt.log.Warn("Failed to print event", "error", err)
		}
	})
	if err != nil {
		return err
	}
	if err := rt.printer.PrintReport(report); err != nil {
		return err
	}
	switch {
	case report.Incomplete:
		return fmt.Errorf("diagnostic incomplete: %s", report.IncompleteReason)
	case report.FirstFailure != nil:
		return fmt.Errorf("diagnostic failed at %s layer (%s)", report.FirstFailure.Layer, report.FirstFailure.TestName)
	}
	return nil
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay captured calls",
	}

	mock := &cobra.Command{
		Use:   "mock <call-id>",
		Short: "Re-run a call's tool logic against its captured responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaptures(cmd, func(ctx context.Context, rt *app, runner *server.Runner) error {
				res, err := runner.ReplayMock(ctx, args[0])
				if err != nil {
					return err
				}
				return rt.printer.PrintMockReplay(res)
			})
		},
	}

	conversation := &cobra.Command{
		Use:   "conversation <call-id>",
		Short: "Resend a call's utterances to the live agent in a fresh session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			return withCaptures(cmd, func(ctx context.Context, rt *app, runner *server.Runner) error {
				res, err := runner.ReplayConversation(ctx, env, args[0])
				if err != nil {
					return err
				}
				return rt.printer.PrintConversation(res)
			})
		},
	}
	conversation.Flags().StringP("env", "e", "", "Environment name")

	direct := &cobra.Command{
		Use:   "direct <observation-id>",
		Short: "Re-issue one captured middleware exchange against the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			return withCaptures(cmd, func(ctx context.Context, rt *app, runner *server.Runner) error {
				res, err := runner.ProbeDirect(ctx, env, args[0])
				if err != nil {
					return err
				}
				return rt.printer.PrintDirect(res)
			})
		},
	}
	direct.Flags().StringP("env", "e", "", "Environment name")

	tool := &cobra.Command{
		Use:   "tool <call-id>",
		Short: "Re-run a call's tool logic against the live middleware",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			return withCaptures(cmd, func(ctx context.Context, rt *app, runner *server.Runner) error {
				res, err := runner.ReplayTools(ctx, env, args[0])
				if err != nil {
					return err
				}
				return rt.printer.PrintMockReplay(res)
			})
		},
	}
	tool.Flags().StringP("env", "e", "", "Environment name")

	cmd.AddCommand(mock, conversation, direct, tool)
	return cmd
}

// withCaptures runs fn with a runner backed by the capture archive.
func withCaptures(cmd *cobra.Command, fn func(ctx context.Context, rt *app, runner *server.Runner) error) error {
	rt, err := loadApp(cmd)
	if err != nil {
		return err
	}
	captures, err := capture.Open(&rt.cfg.Capture, rt.log)
	if err != nil {
		return fmt.Errorf("open capture archive: %w", err)
	}
	defer captures.Close()

	store := rt.openStore()
	defer closeStore(store)

	runner, err := rt.newRunner(captures, store)
	if err != nil {
		return err
	}
	defer runner.Close()

	ctx, cancel := signalContext()
	defer cancel()
	return fn(ctx, rt, runner)
}

func newModesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List supported diagnostic and replay modes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadApp(cmd)
			if err != nil {
				return err
			}
			return rt.printer.PrintModes(replay.Modes())
		},
	}
}

func newCaptureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Manage the capture archive",
	}

	importCmd := &cobra.Command{
		Use:   "import <export.json>...",
		Short: "Import trace exports into the capture archive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadApp(cmd)
			if err != nil {
				return err
			}
			importer, err := capture.NewImporter(rt.cfg.Capture.Path, rt.log, tools.IsKnownTool)
			if err != nil {
				return err
			}
			defer importer.Close()

			ctx, cancel := signalContext()
			defer cancel()

			var total capture.ImportStats
			for _, path := range args {
				stats, err := importFile(ctx, importer, path)
				if err != nil {
					return fmt.Errorf("import %s: %w", path, err)
				}
				rt.log.Info("Imported trace export", "file", path,
					"traces", stats.Traces, "inserted", stats.Inserted, "skipped", stats.Skipped)
				total.Traces += stats.Traces
				total.Inserted += stats.Inserted
				total.Skipped += stats.Skipped
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s observation(s) from %s trace(s), %s skipped\n",
				humanize.Comma(int64(total.Inserted)), humanize.Comma(int64(total.Traces)), humanize.Comma(int64(total.Skipped)))
			return nil
		},
	}

	calls := &cobra.Command{
		Use:   "calls",
		Short: "List recent calls in the capture archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withCaptures(cmd, func(ctx context.Context, rt *app, runner *server.Runner) error {
				items, err := runner.Calls(ctx, limit)
				if err != nil {
					return err
				}
				return rt.printer.PrintCalls(items)
			})
		},
	}
	calls.Flags().Int("limit", 20, "Maximum number of calls")

	cmd.AddCommand(importCmd, calls)
	return cmd
}

func importFile(ctx context.Context, importer *capture.Importer, path string) (capture.ImportStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return capture.ImportStats{}, err
	}
	defer f.Close()
	return importer.Import(ctx, f)
}

func newReportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Browse stored diagnostic reports",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored reports, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, rt *app, store storage.Store) error {
				items, total, err := store.ListReports(ctx, reportListOptions(cmd))
				if err != nil {
					return err
				}
				return rt.printer.PrintReports(items, total)
			})
		},
	}
	addReportFilterFlags(list)
	list.Flags().Int("limit", 20, "Maximum number of reports")
	list.Flags().Int("offset", 0, "Number of reports to skip")

	show := &cobra.Command{
		Use:   "show <report-id>",
		Short: "Show one stored report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, rt *app, store storage.Store) error {
				report, err := store.GetReport(ctx, args[0])
				if err != nil {
					return err
				}
				if report == nil {
					return fmt.Errorf("report %s not found", args[0])
				}
				return rt.printer.PrintReport(report)
			})
		},
	}

	export := &cobra.Command{
		Use:   "export",
		Short: "Export report summaries as JSON or CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			if _, _, ok := web.ExportFormat(format); !ok {
				return fmt.Errorf("unsupported export format: %s", format)
			}
			outPath, _ := cmd.Flags().GetString("out")
			return withStore(cmd, func(ctx context.Context, rt *app, store storage.Store) error {
				var w io.Writer = cmd.OutOrStdout()
				if outPath != "" && outPath != "-" {
					f, err := os.Create(outPath)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				opts := reportListOptions(cmd)
				return web.StreamReports(w, func(yield func(storage.ReportSummary) bool) error {
					return store.IterateReports(ctx, opts, yield)
				}, format)
			})
		},
	}
	addReportFilterFlags(export)
	export.Flags().String("format", "json", "Export format (json, csv)")
	export.Flags().String("out", "", "Output file (default stdout)")

	cmd.AddCommand(list, show, export)
	return cmd
}

func addReportFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("env", "e", "", "Only reports of this environment")
	cmd.Flags().String("status", "", "Only reports with this status (passed, failed, incomplete)")
}

func reportListOptions(cmd *cobra.Command) storage.ListOptions {
	opts := storage.ListOptions{}
	opts.Environment, _ = cmd.Flags().GetString("env")
	opts.Status, _ = cmd.Flags().GetString("status")
	if cmd.Flags().Lookup("limit") != nil {
		opts.Limit, _ = cmd.Flags().GetInt("limit")
		opts.Offset, _ = cmd.Flags().GetInt("offset")
	}
	opts.Status = strings.ToLower(opts.Status)
	return opts
}

func withStore(cmd *cobra.Command, fn func(ctx context.Context, rt *app, store storage.Store) error) error {
	rt, err := loadApp(cmd)
	if err != nil {
		return err
	}
	store, err := storage.New(&rt.cfg.Storage, rt.log)
	if err != nil {
		return fmt.Errorf("open report storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()
	return fn(ctx, rt, store)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the operator API, live run stream and metrics",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().IntP("port", "p", 0, "Listen port")
	cmd.Flags().String("admin-path", "", "Operator API path prefix")
	cmd.Flags().String("token", "", "Bearer token required by the operator API")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := loadApp(cmd)
	if err != nil {
		return err
	}
	if port, err := cmd.Flags().GetInt("port"); err == nil && port != 0 {
		rt.cfg.Server.Port = port
	}
	if path, err := cmd.Flags().GetString("admin-path"); err == nil && path != "" {
		rt.cfg.Server.AdminPath = path
	}
	if token, err := cmd.Flags().GetString("token"); err == nil && token != "" {
		rt.cfg.Server.Token = token
	}

	store := rt.openStore()
	defer closeStore(store)

	var captures capture.Store
	if cs, err := capture.Open(&rt.cfg.Capture, rt.log); err != nil {
		rt.log.Warn("Capture archive unavailable, replays disabled", "path", rt.cfg.Capture.Path, "error", err)
	} else {
		captures = cs
		defer cs.Close()
	}

	runner, err := rt.newRunner(captures, store)
	if err != nil {
		return err
	}

	srv, err := server.New(rt.cfg, rt.log, runner, store)
	if err != nil {
		return err
	}

	printStartupBanner(rt, captures != nil, store != nil)

	ctx, cancel := signalContext()
	defer cancel()
	return srv.Start(ctx)
}
