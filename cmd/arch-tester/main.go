package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vilaca/arch-tester/internal/api"
	"github.com/vilaca/arch-tester/internal/api/bugzilla"
	"github.com/vilaca/arch-tester/internal/bugs"
	"github.com/vilaca/arch-tester/internal/config"
	"github.com/vilaca/arch-tester/internal/domain"
	"github.com/vilaca/arch-tester/internal/git"
	"github.com/vilaca/arch-tester/internal/service"
)

var (
	// Global flags
	configPath  string
	verbose     bool
	repoPath    string
	apiKey      string
	bugzillaURL string
	cacheFile   string
	arches      []string

	// sanity-check flags
	watch      bool
	pretend    bool
	categories []string

	// reset flags
	force      bool
	clearCache bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "arch-tester",
	Short: "Merge arch-testing bugs and verify them in a package repository",
	Long: `arch-tester reads keywording and stabilization requests from Bugzilla,
merges linked requests into one package list, fills in missing keywords
from the CC list, and runs a sanity check for each list in a git checkout
of the package repository. The checkout is restored after every check.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		applyFlags(cmd, cfg)
		return cfg.Validate()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var showCmd = &cobra.Command{
	Use:   "show <bug>...",
	Short: "Print the merged package list for bugs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runShow,
}

var sanityCheckCmd = &cobra.Command{
	Use:   "sanity-check [bug]...",
	Short: "Check bugs and update their sanity-check flag",
	Long: `Check the given bugs, or every open keywording and stabilization
request when none are given, and set the sanity-check flag accordingly.
The repository must have no uncommitted changes.`,
	RunE: runSanityCheck,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Print the Bugzilla user the API key belongs to",
	Args:  cobra.NoArgs,
	RunE:  runWhoami,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard uncommitted changes in the repository",
	Long: `Discard changes to tracked files in the repository, e.g. after an
interrupted run. Untracked files are kept. With --clear-cache, recorded
check results are forgotten too, so every bug is checked again.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&repoPath, "repo", "r", "", "Package repository checkout")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Bugzilla API key (or set ARCH_TESTER_API_KEY env)")
	rootCmd.PersistentFlags().StringVar(&bugzillaURL, "url", "", "Bugzilla REST API URL")
	rootCmd.PersistentFlags().StringVar(&cacheFile, "cache-file", "", "File storing check results between runs")
	rootCmd.PersistentFlags().StringSliceVar(&arches, "arches", nil, "Keywords that may be filled in from CC")

	sanityCheckCmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep checking open bugs periodically")
	sanityCheckCmd.Flags().BoolVarP(&pretend, "pretend", "p", false, "Do not update bugs")
	sanityCheckCmd.Flags().StringSliceVar(&categories, "category", nil, "Only search these categories (keywordreq, stablereq)")
	resetCmd.Flags().BoolVarP(&force, "force", "f", false, "Really discard changes")
	resetCmd.Flags().BoolVar(&clearCache, "clear-cache", false, "Also forget recorded check results")

	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(sanityCheckCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(resetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "arch-tester", "config.yaml")
}

// applyFlags overrides configuration with explicitly set flags.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("repo") {
		cfg.RepoPath = repoPath
	}
	if flags.Changed("api-key") {
		cfg.APIKey = apiKey
	}
	if flags.Changed("url") {
		cfg.BugzillaURL = bugzillaURL
	}
	if flags.Changed("cache-file") {
		cfg.CacheFile = cacheFile
	}
	if flags.Changed("arches") {
		cfg.Arches = arches
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// buildClient creates the Bugzilla client wrapped with caching.
func buildClient(cfg *config.Config, logger *zap.Logger) *api.CachingClient {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	client := bugzilla.NewClient(api.ClientConfig{
		BaseURL:  cfg.BugzillaURL,
		APIKey:   cfg.APIKey,
		Username: cfg.Username,
		Password: cfg.Password,
	}, httpClient)
	return api.NewCachingClient(client, cfg.BugCacheTTL, logger)
}

// buildService wires up the sanity-check pipeline.
// This is the composition root where all dependencies are created and injected.
func buildService(cfg *config.Config, client api.Client, categories []domain.Category, logger *zap.Logger) *service.SanityService {
	repo := git.NewRepository(cfg.RepoPath, cfg.GitTimeout)
	guard := git.NewWorkTree(repo, logger)

	var cache *service.FileCache
	if cfg.CacheFile != "" {
		cache = service.NewFileCache(cfg.CacheFile, logger)
	}

	return service.NewSanityService(client, service.NewCommandChecker(cfg.SanityCommand), guard, cache,
		service.SanityServiceConfig{
			RepoPath:    cfg.RepoPath,
			Arches:      cfg.Arches,
			MaxAge:      cfg.CacheMaxAge,
			SearchLimit: cfg.SearchLimit,
			Categories:  categories,
			Pretend:     pretend,
		}, logger)
}

func runShow(cmd *cobra.Command, args []string) error {
	ids, err := parseBugIDs(args)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	client := buildClient(cfg, logger)
	defer client.Close()
	svc := buildService(cfg, client, nil, logger)

	for _, id := range ids {
		bug, absorbed, err := svc.Prepare(ctx, id)
		if err != nil {
			return err
		}
		printBug(cmd.OutOrStdout(), id, bug, absorbed)
	}
	return nil
}

func runSanityCheck(cmd *cobra.Command, args []string) error {
	ids, err := parseBugIDs(args)
	if err != nil {
		return err
	}
	if watch && len(ids) > 0 {
		return fmt.Errorf("--watch checks all open bugs and takes no bug ids")
	}
	searched, err := parseCategories(categories)
	if err != nil {
		return err
	}
	if len(searched) > 0 && len(ids) > 0 {
		return fmt.Errorf("--category limits the search and takes no bug ids")
	}
	if !pretend && !cfg.HasAPIKey() && cfg.Username == "" {
		return fmt.Errorf("updating bugs requires an API key")
	}
	ctx, cancel := signalContext()
	defer cancel()

	top, err := git.Toplevel(ctx, cfg.RepoPath)
	if err != nil {
		return fmt.Errorf("repository %s: %w", cfg.RepoPath, err)
	}
	cfg.RepoPath = top

	client := buildClient(cfg, logger)
	defer client.Close()
	svc := buildService(cfg, client, searched, logger)

	if watch {
		service.NewWatcher(svc, cfg.WatchInterval, logger).Run(ctx)
		return nil
	}

	results, err := svc.Process(ctx, ids)
	printResults(cmd.OutOrStdout(), results)
	return err
}

func runWhoami(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	client := buildClient(cfg, logger)
	defer client.Close()

	name, err := client.Whoami(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), name)
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	if clearCache {
		if err := clearCheckCache(cfg, logger); err != nil {
			return err
		}
	}

	dirty, err := git.IsDirty(ctx, cfg.RepoPath)
	if err != nil {
		return err
	}
	if !dirty {
		fmt.Fprintln(cmd.OutOrStdout(), "Work tree is clean")
		return nil
	}
	if !force {
		return fmt.Errorf("%s has uncommitted changes; use --force to discard them", cfg.RepoPath)
	}
	if err := git.ResetChanges(ctx, cfg.RepoPath); err != nil {
		return err
	}
	logger.Info("Discarded uncommitted changes", zap.String("path", cfg.RepoPath))
	return nil
}

// clearCheckCache removes the recorded check results, if any are kept.
func clearCheckCache(cfg *config.Config, logger *zap.Logger) error {
	if cfg.CacheFile == "" {
		return nil
	}
	if err := service.NewFileCache(cfg.CacheFile, logger).Clear(); err != nil {
		return fmt.Errorf("failed to clear check cache: %w", err)
	}
	logger.Info("Cleared check cache", zap.String("path", cfg.CacheFile))
	return nil
}

func parseCategories(names []string) ([]domain.Category, error) {
	var result []domain.Category
	for _, name := range names {
		category, err := domain.ParseCategory(strings.ToUpper(strings.TrimSpace(name)))
		if err != nil {
			return nil, err
		}
		result = append(result, category)
	}
	return result, nil
}

func parseBugIDs(args []string) ([]int, error) {
	ids := make([]int, 0, len(args))
	for _, arg := range args {
		id, err := strconv.Atoi(strings.TrimPrefix(arg, "#"))
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid bug number %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printBug(w io.Writer, id int, bug domain.Bug, absorbed []int) {
	fmt.Fprintf(w, "Bug %d (%s, sanity-check %s)\n", id, bug.Category, bug.SanityCheck)
	if len(absorbed) > 1 {
		fmt.Fprintf(w, "  merged: %s\n", joinInts(absorbed[1:]))
	}
	if len(bug.Blocks) > 0 {
		fmt.Fprintf(w, "  linked: %s\n", joinInts(bug.Blocks))
	}
	if len(bug.CC) > 0 {
		fmt.Fprintf(w, "  cc: %s\n", strings.Join(bugs.ArchesFromCC(bug.CC), " "))
	}
	for _, line := range bugs.AtomLines(bug.Atoms) {
		fmt.Fprintf(w, "  %s\n", line)
	}
}

func printResults(w io.Writer, results []service.Result) {
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Fprintf(w, "%d: error: %v\n", r.ID, r.Err)
		default:
			status := r.Verdict.String()
			if r.Cached {
				status += " (cached)"
			}
			if r.Updated {
				status += ", updated"
			}
			fmt.Fprintf(w, "%d: %s\n", r.ID, status)
		}
	}
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, " ")
}
