// Package engine is the service layer over the conversation DAG. Every
// inbound operation enters here; transports stay thin.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/convohub/internal/ancestry"
	"github.com/convohub/internal/contextbuilder"
	"github.com/convohub/internal/diff"
	"github.com/convohub/internal/events"
	"github.com/convohub/internal/extraction"
	"github.com/convohub/internal/history"
	"github.com/convohub/internal/merge"
	"github.com/convohub/internal/metrics"
	"github.com/convohub/internal/retry"
)

// ReplyGenerator produces an assistant reply for an assembled context.
type ReplyGenerator interface {
	Generate(ctx context.Context, c *contextbuilder.Context) (string, error)
}

// Dispatcher schedules a persisted follow-up for execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, f *history.Followup) error
}

type Config struct {
	Merge         merge.Config
	ContextPolicy contextbuilder.Policy
	FollowupRetry retry.RetryConfig
	CacheSize     int
}

func DefaultConfig() Config {
	return Config{
		Merge:         merge.DefaultConfig(),
		ContextPolicy: contextbuilder.DefaultPolicy(),
		FollowupRetry: retry.LLMRetryConfig(),
		CacheSize:     ancestry.DefaultCacheSize,
	}
}

type Options struct {
	Store     history.Store
	Sink      events.Sink
	Metrics   *metrics.Metrics
	Replies   ReplyGenerator
	Extractor extraction.Extractor
	Merger    merge.SemanticMerger
	Config    Config
}

type Engine struct {
	store      history.Store
	resolver   *ancestry.Resolver
	differ     *diff.Engine
	merger     *merge.Engine
	sink       events.Sink
	metrics    *metrics.Metrics
	replies    ReplyGenerator
	extractor  extraction.Extractor
	dispatcher Dispatcher
	cfg        Config
	now        func() time.Time
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	resolver, err := ancestry.NewResolver(opts.Store, opts.Config.CacheSize)
	if err != nil {
		return nil, err
	}
	differ := diff.NewEngine(resolver, opts.Store)
	e := &Engine{
		store:     opts.Store,
		resolver:  resolver,
		differ:    differ,
		merger:    merge.NewEngine(opts.Store, resolver, differ, opts.Merger, opts.Config.Merge),
		sink:      opts.Sink,
		metrics:   opts.Metrics,
		replies:   opts.Replies,
		extractor: opts.Extractor,
		cfg:       opts.Config,
		now:       time.Now,
	}
	if e.sink == nil {
		e.sink = events.LogSink{}
	}
	if e.metrics == nil {
		e.metrics = metrics.New(prometheus.NewRegistry())
	}
	e.dispatcher = InlineDispatcher{engine: e}
	return e, nil
}

// SetDispatcher replaces the default inline dispatcher. Call it before
// serving traffic.
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.dispatcher = d
}

func (e *Engine) Store() history.Store { return e.store }

func (e *Engine) emit(ctx context.Context, ev events.Event) {
	ev.At = e.now()
	if err := e.sink.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn().Err(err).Str("event", string(ev.Type)).Str("thread_id", ev.ThreadID).Msg("Failed to publish event")
	}
}

// InlineDispatcher runs follow-ups synchronously in the caller's
// goroutine. Failures are recorded on the follow-up, not returned.
type InlineDispatcher struct {
	engine *Engine
}

func (d InlineDispatcher) Dispatch(ctx context.Context, f *history.Followup) error {
	if err := d.engine.ProcessFollowup(context.WithoutCancel(ctx), f.ID); err != nil {
		log.Warn().Err(err).Str("followup_id", f.ID).Msg("Inline follow-up failed")
	}
	return nil
}

// AsyncDispatcher runs each follow-up on its own goroutine, detached from
// the request context. Close drains the goroutines it started.
type AsyncDispatcher struct {
	engine *Engine

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsyncDispatcher(e *Engine) *AsyncDispatcher { return &AsyncDispatcher{engine: e} }

// Dispatch fails once Close has been called; the follow-up then stays
// pending until it is retried.
func (d *AsyncDispatcher) Dispatch(ctx context.Context, f *history.Followup) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher closed, follow-up %s left pending", f.ID)
	}
	d.wg.Add(1)
	d.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		if err := d.engine.ProcessFollowup(detached, f.ID); err != nil {
			log.Warn().Err(err).Str("followup_id", f.ID).Msg("Background follow-up failed")
		}
	}()
	return nil
}

// Close stops accepting follow-ups and waits for running ones until ctx
// is done.
func (d *AsyncDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("follow-ups still running: %w", ctx.Err())
	}
}
