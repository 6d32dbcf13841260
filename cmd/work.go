// cmd/work.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/tally/internal/config"
	"github.com/aceteam-ai/tally/internal/health"
	"github.com/aceteam-ai/tally/internal/inference"
	"github.com/aceteam-ai/tally/internal/logging"
	"github.com/aceteam-ai/tally/internal/pipeline"
	"github.com/aceteam-ai/tally/internal/schema"
	"github.com/aceteam-ai/tally/internal/usage"
	"github.com/aceteam-ai/tally/internal/worker"
)

var (
	workPipeline    string
	workBroker      string
	workMaxAttempts int
	workNoUsage     bool
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run a queue worker for one pipeline",
	Long: `Consumes tasks of one pipeline from RabbitMQ or Redis Streams, one at a time,
and publishes each successful result before acknowledging its task.

Pipelines:
  ocr     Receipt image -> line items -> categories
  advice  Savings goal + monthly statistics -> advice
  budget  Income, expenses, savings and debts -> budget analysis

Failed tasks are never published. Invalid tasks are rejected at once;
transient failures (backend down, malformed model output) are redelivered
until worker.max_attempts, then rejected to the dead letter queue if one is
configured.`,
	Example: `  # OCR worker against a local RabbitMQ and Ollama
  tally work --pipeline ocr

  # Advice worker on Redis Streams
  TALLY_BROKER_REDIS_URL=redis://localhost:6379 tally work --pipeline advice --broker redis

  # Health endpoint for orchestrators
  TALLY_HEALTH_ADDR=:8081 tally work --pipeline budget`,
	RunE: runWork,
}

func runWork(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if workBroker != "" {
		cfg.Broker.Kind = workBroker
	}
	if workMaxAttempts > 0 {
		cfg.Worker.MaxAttempts = workMaxAttempts
	}
	if workNoUsage {
		cfg.Usage.Disabled = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	queues, ok := cfg.Pipelines.Queues(workPipeline)
	if !ok {
		return fmt.Errorf("unknown pipeline %q (want ocr, advice or budget)", workPipeline)
	}

	workerID := fmt.Sprintf("tally-%s", uuid.New().String()[:8])
	logger = logger.With().Str("pipeline", workPipeline).Str("worker_id", workerID).Logger()

	processor, err := buildProcessor(cfg, workPipeline, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	source := buildSource(cfg, workPipeline, queues, workerID, logger)

	runnerCfg := worker.RunnerConfig{
		WorkerID:      workerID,
		NodeID:        nodeID(),
		MaxAttempts:   cfg.Worker.MaxAttempts,
		ActivityFn:    logging.LogFn(logger),
		HandleSignals: true,
	}

	if !cfg.Usage.Disabled {
		store, err := usage.OpenStore(cfg.Usage.DBPath)
		if err != nil {
			return fmt.Errorf("open usage ledger: %w", err)
		}
		defer store.Close()

		runnerCfg.JobRecordFn = func(rec usage.AttemptRecord) {
			if err := store.Insert(rec); err != nil {
				logger.Warn().Err(err).Str("task_id", rec.TaskID).Msg("failed to record attempt")
			}
		}
		runnerCfg.PriorFailuresFn = func(job *worker.Job) (int, error) {
			return store.FailedAttempts(job.Type, job.ID)
		}

		if cfg.Usage.Queue != "" {
			// Registered after store.Close, so it runs first.
			defer startUsageSync(ctx, cfg, store, logger)()
		}
	}

	if cfg.Health.Addr != "" {
		hs := health.New(cfg.Health.Addr, workPipeline)
		if err := hs.Listen(); err != nil {
			return fmt.Errorf("health server: %w", err)
		}
		go func() {
			if err := hs.Serve(); err != nil {
				logger.Warn().Err(err).Msg("health server stopped")
			}
		}()
		defer hs.Stop()
		runnerCfg.ServingFn = hs.SetServing
		logger.Info().Str("addr", hs.Addr()).Msg("health server listening")
	}

	runner := worker.NewRunner(source, []worker.JobHandler{worker.NewPipelineHandler(processor)}, runnerCfg)
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped")
		return err
	}
	return nil
}

func buildProcessor(cfg *config.Config, name string, logger zerolog.Logger) (pipeline.Processor, error) {
	client, err := inference.New(cfg.Inference.Backend, inference.Options{
		BaseURL:    cfg.Inference.URL,
		APIKey:     cfg.Inference.APIKey,
		Timeout:    cfg.Inference.Timeout,
		RateLimit:  cfg.Inference.RateLimit,
		RateBurst:  cfg.Inference.RateBurst,
		HTTPClient: &http.Client{},
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return pipeline.New(name, pipeline.Deps{
		Client:        client,
		Store:         schema.NewStore(cfg.AssetsDir),
		Models:        pipeline.ModelsFromConfig(cfg.Inference.Models),
		Logger:        logger,
		BudgetTimeout: cfg.Inference.BudgetTimeout,
	})
}

func buildSource(cfg *config.Config, name string, queues config.QueueConfig, workerID string, logger zerolog.Logger) worker.JobSource {
	sc := worker.SourceConfig{
		Pipeline:        name,
		Queue:           queues.Tasks,
		ResultQueue:     queues.Results,
		DeadLetterQueue: queues.DeadLetter,
		WorkerID:        workerID,
		LogFn:           logging.LogFn(logger),
	}

	if cfg.Broker.Kind == config.BrokerRedis {
		return worker.NewRedisSource(worker.RedisSourceConfig{
			SourceConfig:  sc,
			URL:           cfg.Broker.Redis.URL,
			Password:      cfg.Broker.Redis.Password,
			ConsumerGroup: cfg.Broker.Redis.ConsumerGroup,
			Block:         cfg.Broker.Redis.Block,
			ClaimIdle:     cfg.Broker.Redis.ClaimIdle,
		})
	}
	return worker.NewAMQPSource(worker.AMQPSourceConfig{
		SourceConfig: sc,
		Connection:   amqpConfig(cfg.Broker.AMQP),
	})
}

// startUsageSync ships ledger records to the usage queue in the background.
// The returned func stops the syncer and waits for its final flush; call it
// before closing the store. A broker that cannot be reached only disables
// the sync.
func startUsageSync(ctx context.Context, cfg *config.Config, store *usage.Store, logger zerolog.Logger) (stop func()) {
	conn, err := dialBroker(ctx, cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("usage sync disabled: broker unreachable")
		return func() {}
	}
	syncer := usage.NewSyncer(usage.SyncerConfig{
		Store:     store,
		PublishFn: usagePublisher(conn, cfg.Usage.Queue),
		LogFn:     logging.LogFn(logger),
	})
	return runSyncer(ctx, syncer, conn.Close, logger)
}

// runSyncer starts syncer and returns a func that cancels it and blocks until
// it has returned and closeFn has run.
func runSyncer(ctx context.Context, syncer *usage.Syncer, closeFn func() error, logger zerolog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer closeFn()
		if err := syncer.Start(ctx); err != nil {
			logger.Warn().Err(err).Msg("usage sync stopped")
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// nodeID names the host in usage records.
func nodeID() string {
	info, err := host.Info()
	if err != nil || info.Hostname == "" {
		return "unknown"
	}
	return info.Hostname
}

func init() {
	rootCmd.AddCommand(workCmd)

	workCmd.Flags().StringVar(&workPipeline, "pipeline", config.PipelineOCR, "Pipeline to run: ocr, advice or budget")
	workCmd.Flags().StringVar(&workBroker, "broker", "", "Broker to consume from: amqp or redis (default from config)")
	workCmd.Flags().IntVar(&workMaxAttempts, "max-attempts", 0, "Deliveries of a transiently failing task before it is rejected (default from config)")
	workCmd.Flags().BoolVar(&workNoUsage, "no-usage", false, "Do not record attempts in the local usage ledger")
}
