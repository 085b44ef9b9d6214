package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"chunkup/internal/app"
	"chunkup/internal/config"
	"chunkup/internal/upload"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	paths, err := app.DefaultPaths()
	if err != nil {
		return nil, "", fmt.Errorf("resolving paths: %w", err)
	}

	cfg, err := config.ReadFromFile(paths.ConfigFile)
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, paths.ConfigFile, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// command identifies the CLI command being run (e.g. "serve", "reap").
func newApp(ctx context.Context, command string) (*app.App, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.New(ctx, cfg, command)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "chunkup",
	Short:        "Chunked upload server",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to resolve paths: %w", err)
		}

		cfg := config.NewConfig(paths.BaseDir)
		if err := config.Init(paths.ConfigFile, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigFile)
		fmt.Printf("Base Dir: %s\n", paths.BaseDir)
		fmt.Println("Run `chunkup migrate` to create the database.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Base Dir:        %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:         %s\n", cfg.LogDir)
		fmt.Printf("Listen:          %s\n", cfg.Server.ListenAddr)
		fmt.Printf("Max Upload:      %d bytes\n", cfg.Upload.MaxDeclaredSize)
		fmt.Printf("Max Chunk:       %d bytes\n", cfg.Server.MaxChunkSize)
		fmt.Printf("Database:        %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Storage:         %s\n", cfg.Storage.Type)
		fmt.Printf("Stale After:     %s\n", cfg.Reaper.StaleThreshold.Duration)
		fmt.Printf("Reaper Page:     %d\n", cfg.Reaper.PageSize)
		fmt.Printf("Reaper Attempts: %d\n", cfg.Reaper.MaxAttempts)
		if err := cfg.Validate(); err != nil {
			fmt.Printf("\nConfiguration is invalid:\n%v\n", err)
		}
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer a.Close()

		reapEvery, _ := cmd.Flags().GetDuration("reap-every")
		if reap, _ := cmd.Flags().GetBool("reap"); reap && reapEvery == 0 {
			reapEvery = a.Config().Reaper.Interval.Duration
		}

		return a.Serve(ctx, reapEvery)
	},
}

// reap command
var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Run one reaper sweep",
	Long: "Run one reaper sweep over removed and abandoned uploads. Each run " +
		"handles one page of candidates and resumes where the previous run stopped, " +
		"so it is meant to be invoked periodically by a scheduler.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "reap")
		if err != nil {
			return err
		}
		defer a.Close()

		run, err := a.Reap(cmd.Context())
		if run != nil {
			printRun(run)
		}
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		return nil
	},
}

// migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		before, after, err := app.Migrate(cfg)
		if err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}

		if before == after {
			fmt.Printf("Database already at version %d\n", after)
		} else {
			fmt.Printf("Database migrated from version %d to %d\n", before, after)
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show upload counts and the last sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "status")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Status(cmd.Context())
		if err != nil {
			return err
		}

		statuses := make([]string, 0, len(report.Counts))
		for s := range report.Counts {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)

		if len(statuses) == 0 {
			fmt.Println("No uploads.")
		}
		for _, s := range statuses {
			fmt.Printf("%-12s %d\n", s, report.Counts[upload.Status(s)])
		}

		if report.LastRun == nil {
			fmt.Println("\nNo sweeps recorded.")
			return nil
		}
		fmt.Println("\nLast sweep:")
		printRun(report.LastRun)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View reaper sweep history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "history")
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No sweeps recorded.")
			return nil
		}

		for _, run := range runs {
			duration := ""
			if !run.FinishedAt.IsZero() {
				duration = run.FinishedAt.Sub(run.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %s  %s  %-8s  claimed:%d hidden:%d missing:%d retried:%d  %s\n",
				run.ID,
				run.RunID[:min(8, len(run.RunID))],
				run.StartedAt.Format("2006-01-02 15:04:05"),
				run.Status,
				run.Claimed, run.Hidden, run.Missing, run.Retried,
				duration,
			)
		}
		return nil
	},
}

// backup-db command
var backupDBCmd = &cobra.Command{
	Use:   "backup-db PATH",
	Short: "Write a snapshot of the upload database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "backup-db")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.BackupDB(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Database written to %s\n", args[0])
		return nil
	},
}

func printRun(run *upload.SweepRun) {
	fmt.Printf("Run:       %s (%s)\n", run.RunID, run.Status)
	fmt.Printf("Started:   %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Cursor:    %d -> %d\n", run.CursorFrom, run.CursorNext)
	fmt.Printf("Selected:  %d\n", run.Selected)
	fmt.Printf("Claimed:   %d (conflicts %d)\n", run.Claimed, run.Conflicts)
	fmt.Printf("Hidden:    %d\n", run.Hidden)
	fmt.Printf("Missing:   %d\n", run.Missing)
	fmt.Printf("Retried:   %d\n", run.Retried)
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("reap", false, "Run the reaper in the background every reaper.interval")
	serveCmd.Flags().Duration("reap-every", 0, "Run the reaper in the background at this interval")
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of sweeps to show")
	rootCmd.AddCommand(backupDBCmd)
}
