package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"threadwatch/internal/bus"
	"threadwatch/internal/config"
	"threadwatch/internal/llm"
	"threadwatch/internal/logging"
	"threadwatch/internal/monitor"
	"threadwatch/internal/repo"
	"threadwatch/internal/scraper"
	"threadwatch/internal/store"
	"threadwatch/internal/types"
	"threadwatch/internal/updater"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var (
	debugFlag    bool
	updateSlug   string
	shutdownWait = 10 * time.Second
)

var rootCmd = &cobra.Command{
	Use:   "threadwatch",
	Short: "threadwatch - passive board observation engine",
	Long: `threadwatch continuously observes the configured subreddits,
clusters related threads into investigations, scores their significance
and turns the significant ones into LLM-generated headlines.

Set APP_MODE=TEST to run against the synthetic scraper and an
in-memory database instead of live reddit.`,
	RunE: runMonitor,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the threadwatch version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Fetch and apply the latest release",
	Long: `Reads the update.json manifest of the latest release, downloads
the files archive and replaces every file whose checksum differs.
Orphaned files under lib/ are removed.`,
	RunE: runUpdate,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "enable debug logging")
	updateCmd.Flags().StringVar(&updateSlug, "repo", "threadwatch/releases", "release repository slug")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(updateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	mode := config.ModeFromEnv()

	dataDir, err := config.EnsureDataDir()
	if err != nil {
		return err
	}

	cfgPath := config.FilePath(dataDir)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if debugFlag {
		cfg.DebugMode = true
	}
	if err := logging.Initialize(config.LogsDir(dataDir), cfg.DebugMode); err != nil {
		return err
	}
	defer logging.Sync()

	log := logging.Get(logging.CategoryBoot)
	log.Infow("starting", "version", version, "mode", mode, "data_dir", dataDir)

	dbPath := config.DatabasePath(dataDir)
	if mode == config.ModeTest {
		dbPath = ":memory:"
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	repository := repo.New(st)
	if mode == config.ModeTest {
		seedSyntheticData(repository)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, err := llm.New(ctx, cfg.Agent.Ollama)
	if err != nil {
		return fmt.Errorf("failed to initialize LLM gateway: %w", err)
	}
	provider := llm.NewProvider(gateway)

	eventBus := bus.New()
	var sc scraper.Scraper
	if mode == config.ModeTest {
		sc = scraper.NewStub(repository)
	} else {
		sc = scraper.NewReddit(repository)
	}

	watcher, err := config.NewWatcher(cfgPath, cfg, func(old, new config.Config) {
		if old.Agent.PowerMode != new.Agent.PowerMode {
			eventBus.Publish(bus.PowerModeChangedEvent{Enabled: new.Agent.PowerMode})
		}
		if old.User.Language != new.User.Language {
			eventBus.Publish(bus.LanguageChangedEvent{Language: new.User.Language})
		}
	})
	if err != nil {
		log.Warnw("config watcher unavailable", "error", err)
	} else {
		go watcher.Run(ctx)
		defer watcher.Close()
	}

	m := monitor.New(cfg, eventBus, repository, st, sc, provider)
	runErr := m.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := repository.Shutdown(shutdownCtx); err != nil {
		log.Warnw("repository shutdown incomplete", "error", err)
	}
	return runErr
}

func runUpdate(cmd *cobra.Command, args []string) error {
	dataDir, err := config.EnsureDataDir()
	if err != nil {
		return err
	}
	if err := logging.Initialize(config.LogsDir(dataDir), debugFlag); err != nil {
		return err
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	u := updater.New(updateSlug, dataDir)
	manifest, err := u.FetchManifest(ctx)
	if err != nil {
		return err
	}
	if installed := u.InstalledVersion(); installed == manifest.Version {
		fmt.Printf("Already up to date (%s)\n", installed)
		return nil
	}

	n, err := u.Apply(ctx, manifest)
	if err != nil {
		return err
	}
	fmt.Printf("Updated to %s (%d file(s) replaced)\n", manifest.Version, n)
	return nil
}

// seedSyntheticData pre-populates the TEST-mode store so the UI has
// material before the stub scraper's first emission.
func seedSyntheticData(repository *repo.Repository) {
	now := time.Now().Unix()
	threads := []types.Thread{
		{
			ID:              "seed-1",
			Board:           "wallstreetbetsGER",
			Title:           "Silber Squeeze - die Lage am Morgen",
			Author:          "synthetic_user_1",
			Text:            "Sammelthread fuer die heutige Entwicklung.",
			CreatedUTC:      now - 3600,
			Permalink:       "/r/wallstreetbetsGER/comments/seed-1/",
			Score:           128,
			UpvoteRatio:     0.94,
			CommentCount:    42,
			FetchedAt:       now,
			LastActivityUTC: now - 600,
		},
		{
			ID:              "seed-2",
			Board:           "wallstreetbetsGER",
			Title:           "Gold oder Silber - wohin mit dem Pulver?",
			Author:          "synthetic_user_2",
			Text:            "Diskussion zur Allokation.",
			CreatedUTC:      now - 7200,
			Permalink:       "/r/wallstreetbetsGER/comments/seed-2/",
			Score:           57,
			UpvoteRatio:     0.88,
			CommentCount:    19,
			FetchedAt:       now,
			LastActivityUTC: now - 1800,
		},
	}
	repository.SaveThreadsBatch(threads)
	for i, threadID := range []string{"seed-1", "seed-2"} {
		repository.SaveComment(types.NewComment(
			fmt.Sprintf("seed-c%d", i+1), threadID, threadID,
			"synthetic_commenter", "Beobachte ich auch.",
			int64(5+i), now-300, now, now-300, nil,
		))
	}
}
