package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sort"
	"syscall"
	"text/tabwriter"

	"NewsPipeline/internal/app"
	"NewsPipeline/internal/config"
	"NewsPipeline/internal/logging"
	"NewsPipeline/internal/usecase"
)

const usage = `usage: newspipeline <command> [args]

commands:
  run                          poll sources and process tasks until interrupted
  once                         run a single tick and drain available tasks
  sync                         seed sources and keywords from the configuration
  generate <item-id>           queue generation for an item
  publish <post-id>            queue publication of a post
  publish-text -title -body    queue a post written by hand
  status                       print counts and records needing attention
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(ctx, cfg, logger, os.Args[1:], os.Stdout); err != nil {
		logger.Error("command failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, out io.Writer) error {
	cmd := "run"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		fmt.Fprint(out, usage)
		return nil
	}

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn("close application", "error", err)
		}
	}()

	switch cmd {
	case "run":
		return application.Run(ctx)
	case "once":
		handled, err := application.Once(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "handled %d tasks\n", handled)
		return nil
	case "sync":
		report, err := application.Sync(ctx)
		if err != nil {
			return err
		}
		for _, skipped := range report.Skipped {
			fmt.Fprintln(out, "skipped:", skipped)
		}
		fmt.Fprintf(out, "sources: %d, keywords: %d\n", len(report.Upserted), report.Keywords)
		return nil
	case "generate":
		id, err := singleArg(cmd, args)
		if err != nil {
			return err
		}
		return application.GenerateNow(ctx, id)
	case "publish":
		id, err := singleArg(cmd, args)
		if err != nil {
			return err
		}
		return application.PublishNow(ctx, id)
	case "publish-text":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		fs.SetOutput(out)
		title := fs.String("title", "", "post title")
		body := fs.String("body", "", "post body")
		if err := fs.Parse(args); err != nil {
			return err
		}
		post, err := application.PublishText(ctx, *title, *body)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "queued post", post.ID)
		return nil
	case "status":
		report, err := application.Status(ctx)
		if err != nil {
			return err
		}
		return printStatus(out, report)
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func singleArg(cmd string, args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", fmt.Errorf("%s: expected exactly one id", cmd)
	}
	return args[0], nil
}

func printStatus(out io.Writer, report usecase.StatusReport) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "ITEMS\t")
	writeCounts(tw, report.Items)
	fmt.Fprintln(tw, "POSTS\t")
	writeCounts(tw, report.Posts)
	fmt.Fprintln(tw, "PENDING TASKS\t")
	pending := make(map[string]int, len(report.Pending))
	for stage, n := range report.Pending {
		pending[string(stage)] = n
	}
	writeCounts(tw, pending)

	if len(report.FailedItems)+len(report.RejectedItems) > 0 {
		fmt.Fprintln(tw, "\nITEM\tSTATUS\tATTEMPTS\tERROR")
		for _, item := range slices.Concat(report.FailedItems, report.RejectedItems) {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", item.ID, item.Status, item.Retry.Attempts, item.Retry.LastError)
		}
	}
	if len(report.FailedPosts) > 0 {
		fmt.Fprintln(tw, "\nPOST\tSTATUS\tATTEMPTS\tERROR")
		for _, post := range report.FailedPosts {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", post.ID, post.Status, post.Retry.Attempts, post.Retry.LastError)
		}
	}
	return tw.Flush()
}

func writeCounts(w io.Writer, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s\t%d\n", k, counts[k])
	}
}
