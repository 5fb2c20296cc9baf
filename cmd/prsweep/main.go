package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/prsweep/prsweep/internal/config"
	"github.com/prsweep/prsweep/internal/github"
	"github.com/prsweep/prsweep/internal/notify"
	"github.com/prsweep/prsweep/internal/resolve"
	"github.com/prsweep/prsweep/internal/server"
	"github.com/prsweep/prsweep/internal/slack"
	"github.com/prsweep/prsweep/internal/store"
	"github.com/prsweep/prsweep/internal/triage"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "prsweep",
	Short:   "Pull request triage for chat channels",
	Long:    "prsweep scans Slack channels for GitHub pull request links, checks their live review and CI status, and notifies about the ones that still need attention.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		if !verbose {
			if level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level)); err == nil {
				zerolog.SetGlobalLevel(level)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(triageCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(subscribersCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("prsweep", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/prsweep/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure channels, tokens, and notification flags.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Store: %s\n\n", st.Path())
		fmt.Println("Records:")
		fmt.Printf("  Total tracked: %d\n", stats.TotalRecords)
		fmt.Printf("  Pending attention: %d\n", stats.AttentionRecords)
		fmt.Println("\nScanning:")
		fmt.Printf("  Channels tracked: %d\n", stats.ChannelsTracked)
		fmt.Printf("  Runs recorded: %d\n", stats.Runs)
		fmt.Println("\nSubscribers:")
		fmt.Printf("  Total: %d\n", stats.Subscribers)
		fmt.Printf("  Active: %d\n", stats.ActiveSubscribers)

		cursors, err := st.GetAllCursors()
		if err != nil {
			return err
		}
		if len(cursors) > 0 {
			fmt.Println("\nChannel cursors:")
			for _, c := range cursors {
				fmt.Printf("  %s: %s\n", c.ChannelID, c.LastTS)
			}
		}
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Check the Slack connection and print the bot identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := slack.NewClient(cfg.Slack.APIURL, cfg.Slack.TokenEnv, cfg.Slack.Subdomain)
		if !client.IsConfigured() {
			return fmt.Errorf("no Slack token found; set %s", cfg.Slack.TokenEnv)
		}

		identity, err := client.AuthTest(context.Background())
		if err != nil {
			return fmt.Errorf("auth test failed: %w", err)
		}
		fmt.Printf("Connected as %s\n", identity)
		return nil
	},
}

// --- triage command ---

var (
	triageChannels   []string
	triageDays       int
	allowReactions   bool
	allowChanMsgs    bool
	summaryDMUsers   []string
	dryRun           bool
	concurrencyLimit int
)

var triageCmd = &cobra.Command{
	Use:   "triage",
	Short: "Run one triage pass over the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		slackClient := slack.NewClient(cfg.Slack.APIURL, cfg.Slack.TokenEnv, cfg.Slack.Subdomain)
		if !slackClient.IsConfigured() {
			return fmt.Errorf("no Slack token found; set %s", cfg.Slack.TokenEnv)
		}
		ghClient := github.NewClient(cfg.GitHub.APIURL, cfg.GitHub.TokenEnv, cfg.GitHub.BotReviewers)
		if !ghClient.IsConfigured() {
			return fmt.Errorf("no GitHub token found; set %s", cfg.GitHub.TokenEnv)
		}

		opts := effectiveOptions(cmd)
		if len(opts.Channels) == 0 {
			return fmt.Errorf("no channels configured; add channel IDs to the config or pass --channel")
		}

		concurrency := concurrencyLimit
		if concurrency <= 0 {
			concurrency = cfg.Triage.Concurrency
		}
		resolver := resolve.New(ghClient, concurrency)
		dispatcher := notify.New(slackClient, st, cfg.EmojiFor)
		runner := triage.New(cfg, st, slackClient, resolver, dispatcher)
		report, err := runner.Run(context.Background(), opts)
		if err != nil {
			return err
		}

		fmt.Println("Triage complete:")
		fmt.Printf("  Channels scanned: %d\n", report.ChannelsScanned)
		fmt.Printf("  Messages scanned: %d\n", report.MessagesScanned)
		fmt.Printf("  Refs resolved: %d/%d\n", report.RefsResolved, report.RefsFound)
		fmt.Printf("  Reactions: %d  Summaries: %d  DMs: %d\n",
			report.ReactionsSent, report.SummariesSent, report.DMsSent)
		if report.FailureSummary != nil {
			fmt.Printf("  Failures: %s\n", *report.FailureSummary)
		}

		// Partial failures are reported but tolerated; a run that could
		// not scan anything at all is an error for the scheduler.
		if report.ChannelsScanned == 0 {
			return fmt.Errorf("no channels could be scanned")
		}
		return nil
	},
}

func init() {
	triageCmd.Flags().StringArrayVar(&triageChannels, "channel", nil, "Channel ID to scan (repeatable, overrides config)")
	triageCmd.Flags().IntVar(&triageDays, "days", 0, "Override lookback window for first-time channels (days)")
	triageCmd.Flags().BoolVar(&allowReactions, "allow-reactions", false, "Add emoji reactions to messages")
	triageCmd.Flags().BoolVar(&allowChanMsgs, "allow-channel-messages", false, "Post per-channel summary messages")
	triageCmd.Flags().StringArrayVar(&summaryDMUsers, "summary-dm-user", nil, "Extra user ID to DM the digest to (repeatable)")
	triageCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log what would be sent without sending or persisting anything")
	triageCmd.Flags().IntVar(&concurrencyLimit, "concurrency", 0, "Concurrent status lookups (overrides config)")
}

// effectiveOptions merges config defaults with any flags that were set
// explicitly on the command line.
func effectiveOptions(cmd *cobra.Command) triage.Options {
	opts := triage.Options{
		Channels:             cfg.Channels,
		LookbackDays:         cfg.Triage.LookbackDays,
		AllowReactions:       cfg.Triage.AllowReactions,
		AllowChannelMessages: cfg.Triage.AllowChannelMessages,
		DMUserIDs:            cfg.Triage.DMUserIDs,
	}
	if len(triageChannels) > 0 {
		opts.Channels = triageChannels
	}
	if triageDays > 0 {
		opts.LookbackDays = triageDays
	}
	if cmd.Flags().Changed("allow-reactions") {
		opts.AllowReactions = allowReactions
	}
	if cmd.Flags().Changed("allow-channel-messages") {
		opts.AllowChannelMessages = allowChanMsgs
	}
	opts.DMUserIDs = append(append([]string{}, opts.DMUserIDs...), summaryDMUsers...)
	opts.DryRun = dryRun
	return opts
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local dashboard server",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		fmt.Printf("Starting dashboard at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(st, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run the dashboard on")
}

// --- subscribers command ---

var subscribersCmd = &cobra.Command{
	Use:   "subscribers",
	Short: "Manage DM digest subscribers",
}

var subscribersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all digest subscribers",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		subs, err := st.GetAllSubscribers()
		if err != nil {
			return err
		}

		if len(subs) == 0 {
			fmt.Println("No subscribers. Add one with: prsweep subscribers add <user-id>")
			return nil
		}

		fmt.Println("Digest subscribers:")
		fmt.Println()
		for _, sub := range subs {
			icon := " "
			if sub.IsActive {
				icon = "*"
			}
			line := fmt.Sprintf("  [%d] %s %s", sub.ID, icon, sub.UserID)
			if sub.Label != nil && *sub.Label != "" {
				line += fmt.Sprintf(" (%s)", *sub.Label)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var subscribersAddCmd = &cobra.Command{
	Use:   "add [user-id] [label]",
	Short: "Add a digest subscriber",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		userID := args[0]
		label := ""
		if len(args) > 1 {
			label = args[1]
		}

		id, err := st.InsertSubscriber(userID, label)
		if err != nil {
			return err
		}
		if id == 0 {
			fmt.Printf("Subscriber %s already exists\n", userID)
			return nil
		}
		fmt.Printf("Added subscriber [%d]: %s\n", id, userID)
		return nil
	},
}

var subscribersRemoveCmd = &cobra.Command{
	Use:   "remove [id]",
	Short: "Remove a digest subscriber",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid subscriber ID: %s", args[0])
		}

		sub, err := st.GetSubscriber(id)
		if err != nil {
			return err
		}
		if sub == nil {
			return fmt.Errorf("subscriber %d not found", id)
		}

		if err := st.DeleteSubscriber(id); err != nil {
			return err
		}
		fmt.Printf("Removed subscriber [%d]: %s\n", id, sub.UserID)
		return nil
	},
}

var subscribersToggleCmd = &cobra.Command{
	Use:   "toggle [id]",
	Short: "Toggle a subscriber's active state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid subscriber ID: %s", args[0])
		}

		sub, err := st.GetSubscriber(id)
		if err != nil {
			return err
		}
		if sub == nil {
			return fmt.Errorf("subscriber %d not found", id)
		}

		if err := st.ToggleSubscriber(id); err != nil {
			return err
		}
		newState := "paused"
		if !sub.IsActive {
			newState = "active"
		}
		fmt.Printf("Subscriber [%d] %s: %s\n", id, sub.UserID, newState)
		return nil
	},
}

func init() {
	subscribersCmd.AddCommand(subscribersListCmd)
	subscribersCmd.AddCommand(subscribersAddCmd)
	subscribersCmd.AddCommand(subscribersRemoveCmd)
	subscribersCmd.AddCommand(subscribersToggleCmd)
}

func openStore() (*store.Store, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "prsweep.db")
	return store.Open(dbPath)
}
