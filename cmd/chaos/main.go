// cmd/chaos/main.go
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"librarydesk/internal/actor"
	"librarydesk/internal/app"
	"librarydesk/internal/chaos"
	"librarydesk/internal/config"
	"librarydesk/internal/logging"
)

var (
	configPath string
	contenders int
	pause      time.Duration
	report     bool
)

var rootCmd = &cobra.Command{
	Use:          "chaos",
	Short:        "Run the circulation consistency game day",
	Long:         `Seeds drill books and races approvals, returns and catalog edits against each other, then checks every copy counter against its loans.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.Flags().IntVar(&contenders, "contenders", 16, "concurrent callers per fault")
	rootCmd.Flags().DurationVar(&pause, "pause", 5*time.Second, "pause between experiments")
	rootCmd.Flags().BoolVar(&report, "json", false, "print the results as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, _, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(ctx) //nolint:errcheck

	drill := &chaos.Drill{
		DB:          a.DB,
		Ledger:      a.Ledger,
		Catalog:     a.Catalog,
		Circulation: a.Circulation,
		Staff:       actor.Staff(uuid.New()),
		Contenders:  contenders,
	}
	engine := chaos.NewEngine(chaos.WithLogger(logger.Named("chaos")))
	drill.Register(engine)

	results, err := engine.RunGameDay(ctx, chaos.GameDay{
		Name:      "Circulation Consistency Game Day",
		Scenarios: engine.Experiments(),
		Pause:     pause,
	})
	if err != nil {
		return err
	}

	if report {
		out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}

	for _, r := range results {
		if !r.HypothesisHeld {
			logger.Error("game day failed", zap.String("experiment", r.ExperimentName))
			return fmt.Errorf("hypothesis violated: %s", r.ExperimentName)
		}
	}
	return nil
}
