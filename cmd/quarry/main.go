package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quarrydata/quarry/pkg/config"
	"github.com/quarrydata/quarry/pkg/logger"
	"github.com/quarrydata/quarry/pkg/orchestrator"
	"github.com/quarrydata/quarry/pkg/state"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "quarry",
		Short: "Quarry - database table export engine",
		Long: `Quarry extracts large relational tables into compressed columnar
part-files. It analyzes each table, picks an export strategy, and runs
chunks in parallel with resumable progress tracking.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Quarry v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var configFile, jobFile, passwordEnv, logLevel string
	var chunkSize int64
	var maxWorkers int

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run an export job",
		Long: `Run an export job described by a JSON job file. The source password is
never read from the job file; it comes from the environment variable named
by --password-env.

Example:
  quarry run --job job.json --config quarry.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(configFile, jobFile, passwordEnv, logLevel, chunkSize, maxWorkers)
		},
	}

	runCmd.Flags().StringVarP(&jobFile, "job", "j", "", "Path to job specification JSON file (required)")
	_ = runCmd.MarkFlagRequired("job")
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to engine configuration YAML file (optional)")
	runCmd.Flags().StringVar(&passwordEnv, "password-env", "QUARRY_DB_PASSWORD", "Environment variable holding the source database password")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	runCmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "Fixed per-chunk row count, overriding the size tiers")
	runCmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Per-table chunk worker count override")
	root.AddCommand(runCmd)

	var statusConfigFile, statusJobID string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show a job's recorded progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(statusConfigFile, statusJobID)
		},
	}
	statusCmd.Flags().StringVarP(&statusConfigFile, "config", "c", "", "Path to engine configuration YAML file (optional)")
	statusCmd.Flags().StringVarP(&statusJobID, "job-id", "i", "", "Job ID to inspect (required)")
	_ = statusCmd.MarkFlagRequired("job-id")
	root.AddCommand(statusCmd)

	var healthConfigFile string
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Show engine health",
		Long: `Show the engine health snapshot: connection pool and circuit breaker
state while a job is running, plus state write queue counters.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showHealth(healthConfigFile)
		},
	}
	healthCmd.Flags().StringVarP(&healthConfigFile, "config", "c", "", "Path to engine configuration YAML file (optional)")
	root.AddCommand(healthCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadEngineConfig returns the stock configuration, overlaid from a YAML
// file when one is given.
func loadEngineConfig(configFile string) (*config.Config, error) {
	if configFile == "" {
		return config.New(), nil
	}
	return config.Load(configFile)
}

// loadJobSpec reads the job file and fills in the pieces that never live in
// it: the password from the environment and a generated id when absent.
func loadJobSpec(jobFile, passwordEnv string) (*orchestrator.JobSpec, error) {
	data, err := os.ReadFile(jobFile) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("failed to read job file %s: %w", jobFile, err)
	}

	var spec orchestrator.JobSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse job file %s: %w", jobFile, err)
	}

	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	spec.Password = os.Getenv(passwordEnv)

	return &spec, nil
}

func runJob(configFile, jobFile, passwordEnv, logLevel string, chunkSize int64, maxWorkers int) error {
	cfg, err := loadEngineConfig(configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Encoding:    cfg.Logging.Encoding,
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get().With(zap.String("component", "quarry-cli"))

	spec, err := loadJobSpec(jobFile, passwordEnv)
	if err != nil {
		return err
	}
	if chunkSize > 0 {
		spec.ChunkSizeHint = chunkSize
	}
	if maxWorkers > 0 {
		spec.MaxWorkers = maxWorkers
	}

	store, err := state.Open(cfg.State.Path)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	queue := state.NewQueue(store, cfg.State, log)
	defer func() {
		queue.Close()
		_ = store.Close()
	}()

	orch := orchestrator.New(cfg, queue, log)

	// First signal cancels cooperatively, letting in-flight chunks finish.
	// A second signal tears the context down.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Warn("shutdown requested, finishing in-flight chunks")
		orch.Cancel()
		<-sigs
		log.Warn("second signal, aborting")
		cancel()
	}()

	log.Info("starting job",
		zap.String("job_id", spec.ID),
		zap.String("job_file", jobFile),
		zap.Int("tables", len(spec.Tables)))

	return orch.Run(ctx, spec)
}

// showStatus prints a job's state store records as JSON.
func showStatus(configFile, jobID string) error {
	cfg, err := loadEngineConfig(configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if err := logger.Init(logger.Config{Level: "error", Encoding: "console"}); err != nil {
		return err
	}

	store, err := state.Open(cfg.State.Path)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	queue := state.NewQueue(store, cfg.State, logger.Get())
	defer func() {
		queue.Close()
		_ = store.Close()
	}()

	job, err := queue.GetJob(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", jobID)
	}

	tables, err := queue.GetTableExports(jobID)
	if err != nil {
		return err
	}
	errs, err := queue.GetErrors(jobID)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(map[string]interface{}{
		"job":    job,
		"tables": tables,
		"errors": errs,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// showHealth prints the engine health snapshot as JSON.
func showHealth(configFile string) error {
	cfg, err := loadEngineConfig(configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if err := logger.Init(logger.Config{Level: "error", Encoding: "console"}); err != nil {
		return err
	}

	store, err := state.Open(cfg.State.Path)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	queue := state.NewQueue(store, cfg.State, logger.Get())
	defer func() {
		queue.Close()
		_ = store.Close()
	}()

	orch := orchestrator.New(cfg, queue, logger.Get())
	out, err := json.MarshalIndent(orch.Health(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
