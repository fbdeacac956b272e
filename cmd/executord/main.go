// Command executord wires the collaborator backends (entity store, queue,
// object store, LLM providers, sandbox) into an executor.Worker and drives
// it until SIGINT/SIGTERM, matching SPEC_FULL.md §6's CLI/process
// entrypoint. Configuration loading, logging setup, and argument parsing
// are ambient plumbing spec.md itself scopes out of the core, but a
// runnable binary still needs them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/runforge/execengine/entity"
	entitypg "github.com/runforge/execengine/entity/postgres"
	"github.com/runforge/execengine/executor"
	"github.com/runforge/execengine/internal/config"
	"github.com/runforge/execengine/llm"
	"github.com/runforge/execengine/llm/anthropic"
	"github.com/runforge/execengine/llm/compat"
	"github.com/runforge/execengine/llm/middleware"
	"github.com/runforge/execengine/llm/openai"
	"github.com/runforge/execengine/objectstore/s3"
	"github.com/runforge/execengine/queue"
	queueredis "github.com/runforge/execengine/queue/redis"
	retrievalinmem "github.com/runforge/execengine/retrieval/inmem"
	"github.com/runforge/execengine/sandbox"
	sandboxdocker "github.com/runforge/execengine/sandbox/docker"
	"github.com/runforge/execengine/telemetry"
)

var configName string

// reconcileChunkSize is the character window used when rebuilding the
// retrieval index from object storage at startup (spec §4.3's chunk size N).
const reconcileChunkSize = 1000

func main() {
	root := &cobra.Command{
		Use:   "executord",
		Short: "Run the assistant run execution engine's queue consumer.",
		RunE:  run,
	}
	root.Flags().StringVar(&configName, "config", "executord", "config file name (without extension), searched in . and /etc/executord")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configName, ".", "/etc/executord")
	if err != nil {
		return fmt.Errorf("executord: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewClueLogger()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("executord: entity store: %w", err)
	}
	redisClient, q, err := buildQueue(ctx, cfg)
	if err != nil {
		return fmt.Errorf("executord: queue: %w", err)
	}
	objStore, err := buildObjectStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("executord: object store: %w", err)
	}
	client, err := buildLLMClient(ctx, cfg, redisClient)
	if err != nil {
		return fmt.Errorf("executord: llm client: %w", err)
	}
	sandboxRunner, err := buildSandbox()
	if err != nil {
		return fmt.Errorf("executord: sandbox: %w", err)
	}

	retrievalIndex := retrievalinmem.New()
	if objStore != nil {
		if err := reconcileRetrievalIndex(ctx, objStore, retrievalIndex, logger); err != nil {
			logger.Warn(ctx, "retrieval index reconciliation failed, starting with an empty index", "error", err)
		}
	}

	worker := executor.NewWorker(executor.Deps{
		Store:     store,
		Queue:     q,
		LLM:       client,
		Retrieval: retrievalIndex,
		Sandbox:   sandboxRunner,
		Logger:    logger,
		Metrics:   telemetry.NewClueMetrics(),
		Tracer:    telemetry.NewClueTracer(),
	},
		executor.WithConcurrency(cfg.Engine.Concurrency),
		executor.WithPopTimeout(cfg.Engine.PollTimeout),
		executor.WithSandboxTimeout(cfg.Engine.SandboxTimeout),
	)

	logger.Info(ctx, "executord starting", "concurrency", cfg.Engine.Concurrency)
	err = worker.Run(ctx)
	if err != nil && ctx.Err() != nil {
		logger.Info(ctx, "executord shutting down")
		return nil
	}
	return err
}

func buildStore(ctx context.Context, cfg config.Config) (entity.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return entitypg.New(pool), nil
}

// buildQueue returns the *redis.Client alongside the queue built on it so
// callers (buildLLMClient's cluster rate limiter) can join the same Redis
// instance through a replicated map instead of opening a second connection.
func buildQueue(ctx context.Context, cfg config.Config) (*redis.Client, queue.Queue, error) {
	if cfg.RedisURL == "" {
		return nil, nil, fmt.Errorf("REDIS_URL is required")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	q, err := queueredis.New(client, queueredis.DefaultKey)
	if err != nil {
		return nil, nil, err
	}
	return client, q, nil
}

func buildObjectStore(ctx context.Context, cfg config.Config) (*s3.Store, error) {
	if cfg.S3Bucket == "" {
		return nil, nil
	}
	return s3.New(ctx, s3.Options{
		Endpoint:     cfg.S3Endpoint,
		Region:       cfg.S3Region,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		Bucket:       cfg.S3Bucket,
		UsePathStyle: cfg.S3Endpoint != "",
	})
}

// buildLLMClient wires the three provider-shaped adapters behind a
// Dispatcher, per spec §4.6's model-name-prefix routing, wrapped in the
// adaptive rate limiter so the executor's own retry loop isn't the only
// thing standing between it and a provider's rate limit. When
// cfg.Engine.RateLimitKey is set, the limiter's budget is shared across every
// executord process joined to the same Redis-backed replicated map under
// that key rather than kept process-local.
func buildLLMClient(ctx context.Context, cfg config.Config, redisClient *redis.Client) (llm.Client, error) {
	if cfg.ModelAPIKey == "" {
		return nil, fmt.Errorf("MODEL_API_KEY is required")
	}

	claudeClient, err := anthropic.NewFromAPIKey(cfg.ModelAPIKey)
	if err != nil {
		return nil, err
	}
	gptClient, err := openai.NewFromAPIKey(cfg.ModelAPIKey)
	if err != nil {
		return nil, err
	}

	var compatClient llm.Client = gptClient
	if cfg.ModelURL != "" {
		c, err := compat.New(cfg.ModelURL, cfg.ModelAPIKey)
		if err != nil {
			return nil, err
		}
		compatClient = c
	}

	dispatcher := llm.NewDispatcher(claudeClient, gptClient, compatClient)

	limiter := middleware.NewAdaptiveRateLimiter(60000, 180000)
	if cfg.Engine.RateLimitKey != "" && redisClient != nil {
		clustered, err := middleware.NewClusterAdaptiveRateLimiter(ctx, redisClient, "executord-rate-limit", cfg.Engine.RateLimitKey, 60000, 180000)
		if err != nil {
			return nil, fmt.Errorf("cluster rate limiter: %w", err)
		}
		limiter = clustered
	}
	return limiter.Middleware()(dispatcher), nil
}

// reconcileRetrievalIndex rebuilds the in-process retrieval index from
// whatever text blobs already live in object storage, so a restarted
// executord doesn't start retrieval-blind for files ingested by a prior
// process.
func reconcileRetrievalIndex(ctx context.Context, store *s3.Store, index *retrievalinmem.Index, logger telemetry.Logger) error {
	objects, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		data, err := store.Get(ctx, obj.ID)
		if err != nil {
			logger.Warn(ctx, "skipping unreadable object during retrieval reconciliation", "id", obj.ID, "error", err)
			continue
		}
		if err := index.Ingest(ctx, obj.ID, string(data), reconcileChunkSize); err != nil {
			logger.Warn(ctx, "skipping unchunkable object during retrieval reconciliation", "id", obj.ID, "error", err)
		}
	}
	return nil
}

func buildSandbox() (sandbox.Runner, error) {
	return sandboxdocker.New(sandboxdocker.Options{
		Images: map[string]string{
			"python": "executord-sandbox-python:latest",
			"node":   "executord-sandbox-node:latest",
		},
	})
}
