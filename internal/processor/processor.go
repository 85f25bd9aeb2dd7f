// Package processor turns unprocessed raw log entries into sensor logs.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"example.com/backstage/services/ingest/config"
	"example.com/backstage/services/ingest/internal/core"
	"example.com/backstage/services/ingest/internal/infrastructure"
	"example.com/backstage/services/ingest/internal/mapping"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrTickInProgress is returned when a tick is requested while one is running.
var ErrTickInProgress = errors.New("processor tick already in progress")

// Entry outcomes.
const (
	OutcomeOK           = "ok"
	OutcomePartial      = "partial"
	OutcomeUnresolved   = "unresolved"
	OutcomeUnpaired     = "unpaired"
	OutcomeNoProfile    = "no-profile"
	OutcomeMappingError = "mapping-error"
	OutcomeError        = "error"
	OutcomeRetry        = "retry"   // left unprocessed for the next tick
	OutcomeClaimed      = "claimed" // another worker holds it
)

// RunOptions overrides the configured batch for one run.
type RunOptions struct {
	Limit       int
	Concurrency int
	// DryRun resolves and maps without writing anything.
	DryRun bool
}

// EntryResult is the outcome for one raw log entry.
type EntryResult struct {
	ID       uint   `json:"id"`
	Outcome  string `json:"outcome"`
	Notes    string `json:"notes"`
	Readings int    `json:"readings"`
}

// TickStats summarizes one run.
type TickStats struct {
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Fetched   int            `json:"fetched"`
	Readings  int            `json:"readings"`
	Outcomes  map[string]int `json:"outcomes"`
	Results   []EntryResult  `json:"results,omitempty"`
}

// Processor periodically maps unprocessed raw log entries.
type Processor struct {
	rawlogs  *core.RawLogStore
	store    core.DataStore
	resolver *core.Resolver
	engine   *mapping.Engine
	claimer  Claimer
	config   config.ProcessorConfig
	metrics  *infrastructure.Metrics
	logger   *logrus.Logger

	owner   string
	nodes   *keyedMutex
	running atomic.Bool

	mu        sync.Mutex
	lastTick  *TickStats
	totalRuns int64
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewProcessor creates a processor. A nil claimer uses an in-process one.
func NewProcessor(rawlogs *core.RawLogStore, store core.DataStore, resolver *core.Resolver, engine *mapping.Engine, claimer Claimer, cfg config.ProcessorConfig, metrics *infrastructure.Metrics, logger *logrus.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * time.Minute
	}
	if claimer == nil {
		claimer = NewLocalClaimer(cfg.ClaimTTL)
	}
	return &Processor{
		rawlogs:  rawlogs,
		store:    store,
		resolver: resolver,
		engine:   engine,
		claimer:  claimer,
		config:   cfg,
		metrics:  metrics,
		logger:   logger,
		owner:    uuid.NewString(),
		nodes:    newKeyedMutex(),
	}
}

// Start runs a tick every interval until Stop or ctx cancellation.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"interval":    p.config.Interval.String(),
		"batch_size":  p.config.BatchSize,
		"concurrency": p.config.Concurrency,
	}).Info("Raw log processor started")

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := p.RunOnce(ctx); err != nil && !errors.Is(err, ErrTickInProgress) && ctx.Err() == nil {
					p.logger.WithError(err).Error("Processor tick failed")
				}
			}
		}
	}()
}

// Stop halts the loop and waits for the current tick to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info("Raw log processor stopped")
}

// RunOnce processes one configured batch.
func (p *Processor) RunOnce(ctx context.Context) (*TickStats, error) {
	return p.Run(ctx, RunOptions{})
}

// Run processes one batch. Overlapping runs in the same process are
// rejected with ErrTickInProgress.
func (p *Processor) Run(ctx context.Context, opts RunOptions) (*TickStats, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrTickInProgress
	}
	defer p.running.Store(false)

	limit := opts.Limit
	if limit <= 0 {
		limit = p.config.BatchSize
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = p.config.Concurrency
	}

	stats := &TickStats{StartedAt: time.Now().UTC(), Outcomes: make(map[string]int)}
	entries, err := p.rawlogs.FetchUnprocessed(ctx, limit)
	if err != nil {
		return nil, err
	}
	stats.Fetched = len(entries)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, entry := range entries {
		g.Go(func() error {
			res := p.processEntry(gctx, entry, opts.DryRun)
			mu.Lock()
			stats.Outcomes[res.Outcome]++
			stats.Readings += res.Readings
			stats.Results = append(stats.Results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(stats.Results, func(i, j int) bool { return stats.Results[i].ID < stats.Results[j].ID })
	stats.Duration = time.Since(stats.StartedAt)

	if !opts.DryRun {
		if pending, err := p.rawlogs.CountUnprocessed(ctx); err == nil {
			p.metrics.ObserveTick(stats.Duration, pending)
		}

		p.mu.Lock()
		p.lastTick = stats
		p.totalRuns++
		p.mu.Unlock()
	}

	if stats.Fetched > 0 {
		p.logger.WithFields(logrus.Fields{
			"fetched":  stats.Fetched,
			"readings": stats.Readings,
			"outcomes": stats.Outcomes,
			"duration": stats.Duration.String(),
			"dry_run":  opts.DryRun,
		}).Info("Processor tick completed")
	}
	return stats, ctx.Err()
}

// Stats returns the last completed tick, or nil before the first.
func (p *Processor) Stats() (*TickStats, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTick, p.totalRuns
}

// Running reports whether a tick is in progress.
func (p *Processor) Running() bool {
	return p.running.Load()
}

func (p *Processor) processEntry(ctx context.Context, entry *core.RawLogEntry, dryRun bool) (res EntryResult) {
	res.ID = entry.ID
	log := p.logger.WithFields(logrus.Fields{"raw_log_id": entry.ID, "topic": entry.Topic})

	if !dryRun {
		key := claimKey(entry.ID)
		ok, err := p.claimer.Claim(ctx, key, p.owner, p.config.ClaimTTL)
		if err != nil {
			log.WithError(err).Warn("Failed to claim raw log entry")
			res.Outcome = OutcomeRetry
			return res
		}
		if !ok {
			res.Outcome = OutcomeClaimed
			return res
		}
		defer func() {
			if err := p.claimer.Release(context.Background(), key, p.owner); err != nil {
				log.WithError(err).Debug("Failed to release claim")
			}
		}()

		// another worker may have finished it between fetch and claim
		fresh, err := p.rawlogs.Get(ctx, entry.ID)
		if err != nil {
			log.WithError(err).Warn("Failed to reload raw log entry")
			res.Outcome = OutcomeRetry
			return res
		}
		if fresh.Processed {
			res.Outcome = OutcomeClaimed
			return res
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", rec).Error("Recovered from panic while processing entry")
			res = p.finish(ctx, entry, EntryResult{ID: entry.ID, Outcome: OutcomeError, Notes: fmt.Sprintf("error: panic: %v", rec)}, dryRun)
		}
	}()

	res = p.handle(ctx, entry, dryRun)
	if res.Outcome == OutcomeRetry {
		p.metrics.RecordEntry(res.Outcome)
		return res
	}
	return p.finish(ctx, entry, res, dryRun)
}

// handle produces the outcome and notes for one entry, writing readings
// when a profile applies.
func (p *Processor) handle(ctx context.Context, entry *core.RawLogEntry, dryRun bool) EntryResult {
	res := EntryResult{ID: entry.ID}
	log := p.logger.WithFields(logrus.Fields{"raw_log_id": entry.ID, "topic": entry.Topic})

	resolve := p.resolver.Resolve
	if dryRun {
		resolve = p.resolver.Identify
	}
	resolution, err := resolve(ctx, entry)
	if err != nil {
		log.WithError(err).Warn("Identity resolution failed, will retry")
		res.Outcome, res.Notes = OutcomeRetry, err.Error()
		return res
	}

	switch resolution.Status {
	case core.Unresolved:
		res.Outcome, res.Notes = OutcomeUnresolved, "unresolved: "+resolution.Reason
		return res
	case core.Unpaired:
		res.Outcome = OutcomeUnpaired
		if resolution.Unpaired != nil {
			res.Notes = fmt.Sprintf("unpaired: %s (seen %d)", resolution.Unpaired.HardwareID, resolution.Unpaired.SeenCount)
		} else {
			res.Notes = fmt.Sprintf("unpaired: %s", resolution.Token)
		}
		return res
	}

	// liveness only moves with a successful mapping
	node := resolution.Node
	if resolution.Spec == nil {
		res.Outcome, res.Notes = OutcomeNoProfile, "no-profile: node "+node.Code
		return res
	}

	channels, err := p.store.ListChannelsForNode(ctx, node.ID)
	if err != nil {
		log.WithError(err).Warn("Failed to load sensor channels, will retry")
		res.Outcome, res.Notes = OutcomeRetry, err.Error()
		return res
	}
	payload, err := entry.DecodePayload()
	if err != nil {
		res.Outcome, res.Notes = OutcomeError, "error: "+err.Error()
		return res
	}

	mapped, err := p.engine.Map(ctx, mapping.Input{
		Payload:    payload,
		Topic:      entry.Topic,
		ReceivedAt: entry.ReceivedAt,
		Spec:       resolution.Spec,
		Node:       node,
		Channels:   channels,
	})
	if err != nil {
		var merr *core.MappingError
		if errors.As(err, &merr) {
			res.Outcome, res.Notes = OutcomeMappingError, "mapping-error: "+merr.Error()
			return res
		}
		if ctx.Err() != nil {
			res.Outcome, res.Notes = OutcomeRetry, err.Error()
			return res
		}
		res.Outcome, res.Notes = OutcomeError, "error: "+err.Error()
		return res
	}

	logs := make([]*core.SensorLog, 0, len(mapped.Readings))
	for _, r := range mapped.Readings {
		logs = append(logs, &core.SensorLog{
			SensorChannelID: r.SensorChannelID,
			Ts:              r.Ts,
			ValueRaw:        r.ValueRaw,
			ValueEngineered: r.ValueEngineered,
			QualityFlag:     r.QualityFlag,
			IngestionSource: entry.Source,
			StatusCode:      r.StatusCode,
			MinThreshold:    r.MinThreshold,
			MaxThreshold:    r.MaxThreshold,
			RawLogEntryID:   entry.ID,
		})
	}

	written := len(logs)
	if !dryRun {
		n, err := p.writeLogs(ctx, node, entry, logs)
		if err != nil {
			log.WithError(err).Warn("Failed to write sensor logs, will retry")
			res.Outcome, res.Notes = OutcomeRetry, err.Error()
			return res
		}
		written = int(n)
	}
	res.Readings = written

	for _, s := range mapped.Skipped {
		p.metrics.RecordSkip(s.Reason)
	}
	p.metrics.RecordReadings(written)

	if len(mapped.Skipped) == 0 {
		res.Outcome, res.Notes = OutcomeOK, fmt.Sprintf("ok: %d readings written", written)
		return res
	}
	skipped := make([]string, 0, len(mapped.Skipped))
	for _, s := range mapped.Skipped {
		skipped = append(skipped, fmt.Sprintf("%s (%s)", s.MetricCode, s.Reason))
	}
	res.Outcome = OutcomePartial
	res.Notes = fmt.Sprintf("partial: %d readings written; skipped: %s", written, strings.Join(skipped, ", "))
	return res
}

// writeLogs inserts logs and bumps node liveness in one transaction,
// serialized per node.
func (p *Processor) writeLogs(ctx context.Context, node *core.Node, entry *core.RawLogEntry, logs []*core.SensorLog) (int64, error) {
	unlock := p.nodes.Lock(node.ID)
	defer unlock()

	var inserted int64
	err := p.store.WithTransaction(ctx, func(ctx context.Context, tx core.DataStore) error {
		n, err := tx.InsertSensorLogs(ctx, logs)
		if err != nil {
			return err
		}
		inserted = n
		return tx.TouchNode(ctx, node.ID, entry.ReceivedAt)
	})
	return inserted, err
}

// finish marks the entry processed with res.Notes.
func (p *Processor) finish(ctx context.Context, entry *core.RawLogEntry, res EntryResult, dryRun bool) EntryResult {
	if dryRun {
		return res
	}
	if err := p.rawlogs.MarkProcessed(ctx, entry.ID, res.Notes); err != nil {
		if errors.Is(err, core.ErrAlreadyProcessed) {
			res.Outcome = OutcomeClaimed
			return res
		}
		p.logger.WithError(err).WithField("raw_log_id", entry.ID).Warn("Failed to mark raw log entry processed")
		res.Outcome = OutcomeRetry
		p.metrics.RecordEntry(res.Outcome)
		return res
	}
	p.metrics.RecordEntry(res.Outcome)
	return res
}
