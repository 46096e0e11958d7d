package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/convohub/internal/aiconnectors"
	"github.com/convohub/internal/ancestry"
	"github.com/convohub/internal/config"
	"github.com/convohub/internal/contextbuilder"
	"github.com/convohub/internal/database"
	"github.com/convohub/internal/engine"
	"github.com/convohub/internal/events"
	"github.com/convohub/internal/extraction"
	"github.com/convohub/internal/history"
	"github.com/convohub/internal/jobqueue"
	"github.com/convohub/internal/llm"
	"github.com/convohub/internal/merge"
	"github.com/convohub/internal/metrics"
	"github.com/convohub/internal/retry"
)

// services is everything a serving process owns.
type services struct {
	cfg      *config.Config
	engine   *engine.Engine
	registry *prometheus.Registry
	pool     *pgxpool.Pool
	redis    *events.RedisSink
	queue    *jobqueue.JobQueue
	async    *engine.AsyncDispatcher
	working  bool
}

// buildServices wires the engine from cfg. When work is false and the queue
// is enabled, the queue only inserts jobs and leaves them to a worker
// process.
func buildServices(ctx context.Context, cfg *config.Config, work bool) (*services, error) {
	rt := &services{cfg: cfg, registry: prometheus.NewRegistry()}
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var store history.Store
	if cfg.Database.URL != "" {
		pool, err := database.OpenPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		rt.pool = pool
		store = history.NewPostgresStore(pool)
		log.Info().Msg("Connected to PostgreSQL")
	} else {
		store = history.NewInMemoryStore()
		log.Warn().Msg("No database configured, using in-memory history")
	}

	var sink events.Sink = events.LogSink{}
	if cfg.Redis.URL != "" {
		rs, err := events.NewRedisSink(ctx, cfg.Redis.URL, cfg.Redis.ChannelPrefix)
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
		rt.redis = rs
		sink = events.MultiSink{events.LogSink{}, rs}
		log.Info().Msg("Publishing events to Redis")
	}

	opts := engine.Options{
		Store:   store,
		Sink:    sink,
		Metrics: metrics.New(rt.registry),
		Config:  engineConfig(cfg),
	}
	if err := wireCollaborators(ctx, cfg, &opts); err != nil {
		rt.Close(ctx)
		return nil, err
	}

	eng, err := engine.New(opts)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.engine = eng

	if cfg.Queue.Enabled {
		qc := queueConfig(cfg)
		var jq *jobqueue.JobQueue
		if work {
			jq, err = jobqueue.NewJobQueue(rt.pool, eng, qc)
		} else {
			jq, err = jobqueue.NewInsertOnlyQueue(rt.pool, qc)
		}
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
		rt.queue = jq
		eng.SetDispatcher(jq)
	} else {
		rt.async = engine.NewAsyncDispatcher(eng)
		eng.SetDispatcher(rt.async)
	}
	return rt, nil
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Merge: merge.Config{
			ResolverTimeout: cfg.Merge.ResolverTimeout,
			PendingKeyTTL:   cfg.Merge.IdempotencyPendingTTL,
		},
		ContextPolicy: contextPolicy(cfg),
		FollowupRetry: retry.LLMRetryConfig(),
		CacheSize:     ancestry.DefaultCacheSize,
	}
}

// contextPolicy resolves the configured preset. The numeric settings
// refine the default preset only.
func contextPolicy(cfg *config.Config) contextbuilder.Policy {
	policy, ok := contextbuilder.Preset(cfg.Context.Preset)
	if !ok {
		log.Warn().Str("preset", cfg.Context.Preset).Msg("Unknown context preset, using default")
		policy = contextbuilder.DefaultPolicy()
	}
	if cfg.Context.Preset == "" || cfg.Context.Preset == "default" || !ok {
		policy.WindowSize = cfg.Context.WindowSize
		policy.MaxTokens = cfg.Context.MaxTokens
		policy.RelevanceThreshold = cfg.Context.RelevanceThreshold
	}
	return policy
}

func queueConfig(cfg *config.Config) jobqueue.QueueConfig {
	qc := jobqueue.QueueConfigFor(cfg.Environment)
	if cfg.Queue.MaxWorkers > 0 {
		qc.MaxWorkers = cfg.Queue.MaxWorkers
	}
	if cfg.Queue.MaxAttempts > 0 {
		qc.MaxAttempts = cfg.Queue.MaxAttempts
	}
	if cfg.Queue.JobTimeout > 0 {
		qc.JobTimeout = cfg.Queue.JobTimeout
	}
	return qc
}

// wireCollaborators picks the reply generator, extractor and semantic
// merger for the configured provider.
func wireCollaborators(ctx context.Context, cfg *config.Config, opts *engine.Options) error {
	var assistant *aiconnectors.Assistant
	if cfg.AI.Provider == string(aiconnectors.ProviderEcho) {
		opts.Replies = aiconnectors.EchoReplyGenerator{}
	} else {
		conn, err := aiconnectors.NewConnector(ctx, aiconnectors.ConnectorOptions{
			Provider: aiconnectors.Provider(cfg.AI.Provider),
			APIKey:   cfg.AI.APIKey,
			BaseURL:  cfg.AI.BaseURL,
			ModelConfig: aiconnectors.ModelConfig{
				Model:       cfg.AI.Model,
				Temperature: cfg.AI.Temperature,
				MaxTokens:   cfg.AI.MaxTokens,
			},
			RequestsPerMinute: cfg.AI.RequestsPerMinute,
		})
		if err != nil {
			return fmt.Errorf("failed to create %s connector: %w", cfg.AI.Provider, err)
		}
		client := llm.NewResilientClient(conn, retry.LLMRetryConfig(), cfg.AI.Timeout)
		assistant = aiconnectors.NewAssistant(client)
		opts.Replies = assistant
		opts.Merger = assistant
		log.Info().Str("provider", cfg.AI.Provider).Str("model", conn.GetModel()).Msg("AI connector ready")
	}

	switch cfg.AI.Extraction {
	case "model":
		if assistant == nil {
			return fmt.Errorf("model extraction needs a model provider")
		}
		opts.Extractor = assistant
	case "none":
	default:
		opts.Extractor = extraction.NewPatternExtractor()
	}
	return nil
}

// startWorkers starts working queued follow-ups. It is a no-op when the
// queue is disabled.
func (rt *services) startWorkers(ctx context.Context) error {
	if rt.queue == nil {
		return nil
	}
	if err := rt.queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job queue: %w", err)
	}
	rt.working = true
	log.Info().Msg("Follow-up workers started")
	return nil
}

// Close releases every connection the services opened. Safe on a partly
// built value.
func (rt *services) Close(ctx context.Context) {
	if rt.async != nil {
		if err := rt.async.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Follow-ups did not finish before shutdown")
		}
	}
	if rt.working {
		if err := rt.queue.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to stop job queue")
		}
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis")
		}
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}
