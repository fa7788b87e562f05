package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/TobiSchelling/nour/internal/config"
	"github.com/TobiSchelling/nour/internal/database"
	"github.com/TobiSchelling/nour/internal/llm"
	"github.com/TobiSchelling/nour/internal/pipeline"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	orgID      int64
	cfg        *config.Config
)

func main() {
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	_ = zap.L().Sync()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "nour",
	Short:   "Narrative insights from business signals",
	Long:    "nour computes business health signals from deals, invoices and tickets, evaluates alert rules against them, and writes narrative insights.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
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
			return eris.Wrap(err, "loading config")
		}

		logging := cfg.Logging
		if verbose {
			logging.Level = "debug"
		}
		return config.InitLogger(logging)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().Int64Var(&orgID, "org", 1, "Organization ID")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(signalsCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(narrativesCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("nour", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/nour/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return eris.Wrap(err, "creating config directory")
		}
		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return eris.Wrap(err, "writing config")
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to set the data directory, signal windows and LLM provider.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what is stored for the organization",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context(), orgID)
		if err != nil {
			return eris.Wrap(err, "getting stats")
		}

		fmt.Printf("Organization: %d\nDatabase: %s\n\n", orgID, db.Path())
		fmt.Println("Records:")
		for _, domain := range []string{"deals", "invoices", "tickets"} {
			fmt.Printf("  %s: %d\n", domain, stats.Records[domain])
		}
		fmt.Println("\nSignals:")
		fmt.Printf("  Stored: %d\n", stats.Signals)
		if stats.LatestSignalAt != "" {
			fmt.Printf("  Latest: %s\n", stats.LatestSignalAt)
		}
		fmt.Println("\nRules:")
		fmt.Printf("  Total: %d\n", stats.Rules)
		fmt.Printf("  Enabled: %d\n", stats.EnabledRules)
		fmt.Println("\nNarratives:")
		for _, status := range []string{"active", "archived", "dismissed"} {
			fmt.Printf("  %s: %d\n", status, stats.Narratives[status])
		}
		if stats.LatestNarrativeAt != "" {
			fmt.Printf("  Latest: %s\n", stats.LatestNarrativeAt)
		}
		return nil
	},
}

// --- run command ---

var (
	dryRun           bool
	runStart, runEnd string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: compute -> store -> synthesize",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		pipe := newPipeline(ctx, db)
		start, end, err := resolvePeriod(pipe, runStart, runEnd)
		if err != nil {
			return err
		}
		fmt.Printf("Period: %s to %s\n", start.Format(dateLayout), end.Format(dateLayout))

		var result *pipeline.Result
		if dryRun {
			result = pipe.DryRun(ctx, orgID, start, end)
		} else {
			result = pipe.Run(ctx, orgID, start, end)
		}

		for i, step := range result.Steps {
			fmt.Printf("\nStep %d/3: %s\n", i+1, step.Name)
			if step.Err != nil {
				fmt.Printf("  Error: %v\n", step.Err)
			} else {
				fmt.Printf("  %s\n", step.Summary)
			}
		}

		if err := result.Err(); err != nil {
			return err
		}
		if !dryRun {
			fmt.Println("\nPipeline complete! Run 'nour narratives list' to read the results.")
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without writing")
	addPeriodFlags(runCmd, &runStart, &runEnd)
}

const dateLayout = "2006-01-02"

func addPeriodFlags(cmd *cobra.Command, start, end *string) {
	cmd.Flags().StringVar(start, "start", "", "Period start (YYYY-MM-DD), default end minus signals.period_days")
	cmd.Flags().StringVar(end, "end", "", "Period end (YYYY-MM-DD, exclusive), default now")
}

// resolvePeriod parses --start/--end, falling back to the configured window.
func resolvePeriod(pipe *pipeline.Pipeline, start, end string) (time.Time, time.Time, error) {
	defStart, defEnd := pipe.DefaultPeriod()

	to := defEnd
	if end != "" {
		t, err := time.Parse(dateLayout, end)
		if err != nil {
			return time.Time{}, time.Time{}, eris.Wrapf(err, "invalid --end %q", end)
		}
		to = t
	}

	from := defStart
	if start != "" {
		t, err := time.Parse(dateLayout, start)
		if err != nil {
			return time.Time{}, time.Time{}, eris.Wrapf(err, "invalid --start %q", start)
		}
		from = t
	} else if end != "" {
		from = to.AddDate(0, 0, -cfg.Signals.PeriodDays)
	}
	return from, to, nil
}

func newPipeline(ctx context.Context, db *database.DB) *pipeline.Pipeline {
	var opts []pipeline.Option
	if cfg.LLM.Enabled {
		if p := llm.CreateProvider(ctx, cfg.LLMOptions()); p != nil {
			opts = append(opts, pipeline.WithProvider(p))
		} else {
			fmt.Println("Warning: llm.enabled is set but no provider is reachable; using template summaries.")
		}
	}
	return pipeline.New(cfg, db, opts...)
}

func openDB() (*database.DB, error) {
	return database.Open(cfg.DBPath())
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, eris.Errorf("invalid %s ID: %s", what, arg)
	}
	return id, nil
}
