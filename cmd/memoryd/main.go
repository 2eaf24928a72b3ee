package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/memoryd/internal/config"
	"github.com/stellarlinkco/memoryd/internal/logging"
	"github.com/stellarlinkco/memoryd/internal/memory"
	"github.com/stellarlinkco/memoryd/internal/scheduler"
	"github.com/stellarlinkco/memoryd/internal/session"
)

var rootCmd = &cobra.Command{
	Use:           "memoryd",
	Short:         "memoryd - conversational memory lifecycle daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the compression and session-timeout schedules until interrupted",
	RunE:  runServe,
}

var compressCmd = &cobra.Command{
	Use:   "compress",
	Short: "Run one compression sweep over every owner",
	RunE:  runCompress,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep-sessions",
	Short: "Close idle sessions and save them as memories",
	RunE:  runSweep,
}

var statsCmd = &cobra.Command{
	Use:   "stats <owner>",
	Short: "Show memory and pending-topic statistics for an owner",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

var topicsCmd = &cobra.Command{
	Use:   "topics <owner>",
	Short: "List an owner's pending topics, most urgent first",
	Args:  cobra.ExactArgs(1),
	RunE:  runTopics,
}

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <owner>",
	Short: "Re-extract memories saved before the owner had a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runReprocess,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex <owner>",
	Short: "Index every memory that is waiting for the vector index",
	Args:  cobra.ExactArgs(1),
	RunE:  runReindex,
}

var searchCmd = &cobra.Command{
	Use:   "search <owner> <query>",
	Short: "Search an owner's memories by similarity",
	Args:  cobra.ExactArgs(2),
	RunE:  runSearch,
}

var mentionCmd = &cobra.Command{
	Use:   "mention <owner> <partner>",
	Short: "Compose a proactive follow-up about a pending topic",
	Args:  cobra.ExactArgs(2),
	RunE:  runMention,
}

var appendCmd = &cobra.Command{
	Use:   "append <owner> <partner> <text>",
	Short: "Append a message to the owner's session with partner",
	Args:  cobra.ExactArgs(3),
	RunE:  runAppend,
}

var importProfileCmd = &cobra.Command{
	Use:   "import-profile <file.yaml>",
	Short: "Import personality profiles from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runImportProfile,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directories",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memoryd status",
	RunE:  runStatus,
}

var (
	searchLimit        int
	fromPartner        bool
	relationFlag       string
	mentionProbability float64
)

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "k", 5, "Number of results")
	appendCmd.Flags().BoolVar(&fromPartner, "from-partner", false, "Message was sent by the partner")
	appendCmd.Flags().StringVar(&relationFlag, "relation", string(session.RelationFriend), "Relation for a new session (family, friend, stranger)")
	mentionCmd.Flags().Float64Var(&mentionProbability, "probability", -1, "Mention probability (default from config)")
	rootCmd.AddCommand(serveCmd, compressCmd, sweepCmd, statsCmd, topicsCmd, reprocessCmd,
		reindexCmd, searchCmd, mentionCmd, appendCmd, importProfileCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp loads config, builds the components and runs fn with them.
func withApp(cmd *cobra.Command, fn func(context.Context, *app) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup(cfg.Log, cmd.ErrOrStderr())
	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.requireGenerator(); err != nil {
			return err
		}
		if n, err := a.importProfileDir(ctx, a.cfg.Profiles.Dir); err != nil {
			return err
		} else if n > 0 {
			a.logger.Info("profiles imported", "count", n, "dir", a.cfg.Profiles.Dir)
		}

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		if a.cfg.Scheduler.Enabled {
			if err := a.scheduler.Start(ctx); err != nil {
				return err
			}
			defer a.scheduler.Stop()
		} else {
			a.logger.Warn("scheduler disabled in config, nothing will run on a timer")
		}

		owners, err := a.store.ListOwners()
		if err != nil {
			return err
		}
		for _, owner := range owners {
			if res, err := a.indexer.Reindex(ctx, owner, nil); err != nil {
				a.logger.Warn("startup reindex failed", "owner", owner, "err", err)
			} else if res.Total > 0 {
				a.logger.Info("startup reindex", "owner", owner, "indexed", res.Indexed, "failed", res.Failed)
			}
		}

		fmt.Fprintln(cmd.OutOrStdout(), "memoryd running (Ctrl+C to stop)")
		<-ctx.Done()
		return nil
	})
}

func runCompress(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.requireGenerator(); err != nil {
			return err
		}
		report, err := a.scheduler.RunCompressionSweep(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	})
}

func runSweep(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		report, err := a.scheduler.CheckSessionTimeouts(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		mem, err := a.store.GetMemoryStats(args[0])
		if err != nil {
			return err
		}
		topics, err := a.topics.GetTopicStats(args[0])
		if err != nil {
			return err
		}
		count, err := a.index.Count(args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"ownerId":       args[0],
			"memories":      mem,
			"pendingTopics": topics,
			"vectorCount":   count,
		})
	})
}

func runTopics(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		topics, err := a.topics.GetPendingTopics(args[0])
		if err != nil {
			return err
		}
		memory.SortTopicsByUrgency(topics)
		out := cmd.OutOrStdout()
		if len(topics) == 0 {
			fmt.Fprintln(out, "No pending topics")
			return nil
		}
		for _, t := range topics {
			fmt.Fprintf(out, "[%s] %s (with %s, %s)\n", t.Urgency, t.Topic, t.WithUserID, t.CreatedAt.Format(time.DateOnly))
			if t.SuggestedFollowUp != "" {
				fmt.Fprintf(out, "    follow up: %s\n", t.SuggestedFollowUp)
			}
		}
		return nil
	})
}

func runReprocess(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.requireGenerator(); err != nil {
			return err
		}
		profile, err := a.profiles.GetProfile(ctx, args[0])
		if err != nil {
			return err
		}
		if profile == nil {
			return fmt.Errorf("no profile for %s; import one first", args[0])
		}
		report, err := a.extractor.ProcessPendingMemories(ctx, args[0], profile, a.store)
		if err != nil {
			return err
		}
		if report.Processed > 0 {
			if _, err := a.indexer.Reindex(ctx, args[0], nil); err != nil {
				a.logger.Warn("reindex after reprocess failed", "owner", args[0], "err", err)
			}
		}
		return printJSON(cmd.OutOrStdout(), report)
	})
}

func runReindex(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		out := cmd.OutOrStdout()
		res, err := a.indexer.Reindex(ctx, args[0], func(done, total int) {
			fmt.Fprintf(cmd.ErrOrStderr(), "indexed %d/%d\n", done, total)
		})
		if err != nil {
			return err
		}
		return printJSON(out, res)
	})
}

func runSearch(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		matches, err := a.indexer.Search(ctx, args[0], args[1], searchLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), matches)
	})
}

func runMention(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.requireGenerator(); err != nil {
			return err
		}
		p := mentionProbability
		if p < 0 {
			p = a.cfg.Topics.MentionProbability
		}
		var lastChat time.Time
		if s, err := a.findSession(ctx, args[0], args[1]); err == nil && s != nil {
			lastChat = s.LastMessageAt
		}
		mention, err := a.mentioner.Compose(ctx, args[0], args[1], p, lastChat)
		if err != nil {
			return err
		}
		if mention == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to mention right now")
			return nil
		}
		return printJSON(cmd.OutOrStdout(), mention)
	})
}

func runAppend(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		s, err := a.ensureSession(ctx, args[0], args[1], session.Relation(relationFlag))
		if err != nil {
			return err
		}
		msg := memory.Message{Role: "user", Content: args[2], IsOwner: !fromPartner}
		if fromPartner {
			msg.Role = "assistant"
		}
		updated, err := a.sessions.AppendMessage(ctx, s.SessionID, msg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d messages in %s\n",
			updated.SessionID, len(updated.CurrentCycle().Messages), updated.CurrentCycleID)
		return nil
	})
}

func runImportProfile(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		profiles, err := session.ImportProfileFile(ctx, a.sessions, args[0])
		if err != nil {
			return err
		}
		for _, p := range profiles {
			a.profiles.Invalidate(p.OwnerID)
			fmt.Fprintf(cmd.OutOrStdout(), "Imported profile: %s (%s)\n", p.OwnerID, p.Name)
		}
		return nil
	})
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, dir := range []string{cfg.DataDir, cfg.Sessions.Path} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	fmt.Fprintf(out, "Data directory ready: %s\n", cfg.DataDir)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set MEMORYD_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Import profiles with 'memoryd import-profile profiles.yaml'")
	fmt.Fprintln(out, "  4. Run 'memoryd serve'")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Data: %s\n", cfg.DataDir)
	fmt.Fprintf(out, "Provider: %s (%s)\n", providerDisplay(cfg.Provider.Type), cfg.Provider.Model)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Embedding: %s\n", cfg.Embedding.Provider)
	fmt.Fprintf(out, "Scheduler: enabled=%v compression=%02d:00 sweep=%s timeout=%s\n",
		cfg.Scheduler.Enabled, cfg.Scheduler.CompressionHour, cfg.Scheduler.SessionInterval, cfg.Scheduler.SessionTimeout)

	st, err := scheduler.LoadStatus(statePath())
	switch {
	case err != nil:
		fmt.Fprintf(out, "Last runs: error (%v)\n", err)
	default:
		fmt.Fprintf(out, "Last compression: %s\n", formatRun(st.LastCompressionAt))
		fmt.Fprintf(out, "Last session sweep: %s\n", formatRun(st.LastSessionSweepAt))
	}
	return nil
}

func formatRun(at *time.Time) string {
	if at == nil {
		return "never"
	}
	return at.Local().Format(time.DateTime)
}

func providerDisplay(t string) string {
	if t == "" {
		return "openai (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	case key != "":
		return "set"
	default:
		return "not set"
	}
}
