package stats

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spider-stats-pusher/internal/metrics"
	"github.com/spider-stats-pusher/internal/types"
)

// Prober measures connect latency to each host, in milliseconds. Every host
// passed in must be present in the result.
type Prober interface {
	ProbeAll(ctx context.Context, hosts []string, port uint16) map[string]float64
}

// ResourceSampler reports host CPU, memory and disk usage.
type ResourceSampler interface {
	Sample(ctx context.Context) types.SystemResources
}

// Aggregator owns the counters for the current reporting window.
type Aggregator struct {
	mu       sync.Mutex
	counters *OutcomeCounters

	processStart int64
	prober       Prober
	sampler      ResourceSampler
	metrics      *metrics.Collector
	now          func() time.Time
}

func NewAggregator(prober Prober, sampler ResourceSampler, metricsCollector *metrics.Collector) *Aggregator {
	a := &Aggregator{
		prober:  prober,
		sampler: sampler,
		metrics: metricsCollector,
		now:     time.Now,
	}
	a.processStart = a.now().UnixMilli()
	a.counters = newCounters(a.processStart, a.processStart)
	return a
}

// Record counts one completed request. It never blocks on I/O and never
// fails; a status code of 0 is left out of the histogram.
func (a *Aggregator) Record(issuedAtMs, receivedAtMs int64, statusCode uint16, outcome Outcome) {
	a.mu.Lock()
	ok := a.counters.add(issuedAtMs, receivedAtMs, statusCode, outcome)
	a.mu.Unlock()

	if !ok {
		log.Warnf("Ignoring invalid request outcome %s", outcome)
		return
	}
	a.metrics.RecordOutcome(outcome.String())
}

// Counters returns a copy of the current window's counters.
func (a *Aggregator) Counters() OutcomeCounters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters.clone()
}

// SnapshotAndReset closes the current window and opens a new one. Hosts are
// probed on testPort before the counters lock is taken, so Record is never
// stalled by probing. A nil host list skips probing.
func (a *Aggregator) SnapshotAndReset(ctx context.Context, base types.ReportBase, hosts []string, testPort uint16) *types.Report {
	var latencies map[string]float64
	if len(hosts) > 0 && a.prober != nil {
		latencies = a.prober.ProbeAll(ctx, hosts, testPort)
	}

	var resources types.SystemResources
	if a.sampler != nil {
		resources = a.sampler.Sample(ctx)
	}

	a.mu.Lock()
	end := a.now().UnixMilli()
	report := a.counters.report(base, end)
	a.counters = newCounters(a.processStart, end)
	a.mu.Unlock()

	for host, ms := range latencies {
		report.HostsPingDelay[host] = ms
	}
	report.SystemResources = resources

	return report
}
