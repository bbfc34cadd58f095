// Package telemetry wires the aggregator, scheduler, pusher and notification
// relay into one pipeline with an explicit two-phase lifecycle: New builds
// everything without side effects, Start launches the background loops.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/spider-stats-pusher/internal/config"
	"github.com/spider-stats-pusher/internal/hosts"
	"github.com/spider-stats-pusher/internal/metrics"
	"github.com/spider-stats-pusher/internal/notify"
	"github.com/spider-stats-pusher/internal/probe"
	"github.com/spider-stats-pusher/internal/pusher"
	"github.com/spider-stats-pusher/internal/scheduler"
	"github.com/spider-stats-pusher/internal/snapshot"
	"github.com/spider-stats-pusher/internal/stats"
	"github.com/spider-stats-pusher/internal/storage"
	"github.com/spider-stats-pusher/internal/sysres"
	"github.com/spider-stats-pusher/internal/types"
	"go.uber.org/multierr"
)

var (
	ErrAlreadyStarted = errors.New("pipeline already started")
	ErrClosed         = errors.New("pipeline closed")
)

// Deps overrides collaborators that would otherwise be built from config.
// Every field is optional. The pipeline takes ownership of Storage and
// closes it on Close.
type Deps struct {
	Metrics   *metrics.Collector
	Hosts     hosts.Supplier
	Transport notify.Transport
	Storage   storage.Storage
	Sampler   stats.ResourceSampler
}

// Pipeline is the handle producers use to feed the telemetry core.
type Pipeline struct {
	aggregator *stats.Aggregator
	scheduler  *scheduler.Scheduler
	pusher     *pusher.Pusher
	relay      *notify.Relay
	snapshots  *snapshot.Manager
	store      storage.Storage

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

// New constructs every component from cfg. Nothing runs and no network
// connection is made until Start.
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	m := deps.Metrics

	push, err := pusher.New(cfg.Push.Targets, pusher.OptionsFromConfig(cfg.Push), m)
	if err != nil {
		return nil, fmt.Errorf("create pusher: %w", err)
	}

	store := deps.Storage
	if store == nil {
		store, err = storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path, cfg.Storage.History)
		if err != nil {
			return nil, fmt.Errorf("create storage: %w", err)
		}
	}

	transport := deps.Transport
	if transport == nil {
		if cfg.Notify.Enabled {
			transport = notify.NewTransport(cfg.Notify)
		} else {
			transport = notify.Log{}
		}
	}

	supplier := deps.Hosts
	if supplier == nil && cfg.Report.HostsSource != "" {
		supplier = hosts.NewSource(cfg.Report.HostsSource)
	}

	var sampler stats.ResourceSampler = sysres.NewSampler()
	if deps.Sampler != nil {
		sampler = deps.Sampler
	}

	agg := stats.NewAggregator(
		probe.NewProber(cfg.Report.ProbeTimeout(), cfg.Report.ProbeConcurrency, m),
		sampler,
		m,
	)
	snapshots := snapshot.NewManager(store)

	sched := scheduler.New(scheduler.Config{
		Interval: cfg.Report.Interval(),
		TestPort: cfg.Report.TestPort,
		Base:     reportBase(cfg.Report),
	}, supplier, agg, push, snapshots, m)

	return &Pipeline{
		aggregator: agg,
		scheduler:  sched,
		pusher:     push,
		relay:      notify.NewRelay(transport, notify.OptionsFromConfig(cfg.Notify), m),
		snapshots:  snapshots,
		store:      store,
	}, nil
}

func reportBase(r config.ReportConfig) types.ReportBase {
	return types.ReportBase{
		ServerName:       r.ServerName,
		ScraperName:      r.ScraperName,
		ProjectCode:      r.ProjectCode,
		ScraperType:      r.ScraperType,
		RequestFrequency: r.RequestFrequency,
	}
}

// Start restores the last archived report and launches the scheduler, the
// pusher and the relay. They run until ctx is cancelled or Close is called.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	if err := p.snapshots.LoadFromStorage(); err != nil {
		log.Warnf("Failed to load archived report: %v (starting fresh)", err)
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Go(func() { p.relay.Run(ctx) })
	p.wg.Go(func() { p.pusher.Run(ctx) })
	p.wg.Go(func() { p.scheduler.Run(ctx) })

	log.Info("Telemetry pipeline started")
	return nil
}

// Close stops every loop, flushes the archive and closes storage. It is safe
// to call more than once and before Start.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	err := multierr.Combine(
		p.snapshots.Close(),
		p.store.Close(),
	)
	log.Info("Telemetry pipeline stopped")
	return err
}

// Record counts one completed request. It never blocks on I/O.
func (p *Pipeline) Record(issuedAtMs, receivedAtMs int64, statusCode uint16, outcome stats.Outcome) {
	p.aggregator.Record(issuedAtMs, receivedAtMs, statusCode, outcome)
}

// Enqueue hands a notification to the relay without blocking.
func (p *Pipeline) Enqueue(m notify.Message) {
	p.relay.Enqueue(m)
}

// Publish pushes an already serialized document to every target outside the
// reporting cycle. It returns how many targets it reached.
func (p *Pipeline) Publish(report string) int {
	return p.pusher.Publish(report)
}

// Flush closes the current reporting window immediately and publishes it.
func (p *Pipeline) Flush(ctx context.Context) *types.Report {
	return p.scheduler.RunOnce(ctx)
}

func (p *Pipeline) Counters() stats.OutcomeCounters {
	return p.aggregator.Counters()
}

func (p *Pipeline) Latest() *types.Report {
	return p.snapshots.Get()
}

func (p *Pipeline) History(limit int) ([]*types.Report, error) {
	return p.snapshots.History(limit)
}

func (p *Pipeline) Targets() []pusher.TargetStatus {
	return p.pusher.Targets()
}

func (p *Pipeline) RelayStats() notify.Stats {
	return p.relay.Stats()
}
