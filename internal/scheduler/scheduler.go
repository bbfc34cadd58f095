package scheduler

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spider-stats-pusher/internal/hosts"
	"github.com/spider-stats-pusher/internal/metrics"
	"github.com/spider-stats-pusher/internal/types"
)

// Snapshotter produces the report for the window that just closed and starts
// a new one.
type Snapshotter interface {
	SnapshotAndReset(ctx context.Context, base types.ReportBase, hosts []string, testPort uint16) *types.Report
}

// Publisher fans a serialized report out to the push targets and returns how
// many subscribers it reached.
type Publisher interface {
	Publish(report string) int
}

// Archive keeps the latest published report.
type Archive interface {
	Update(report *types.Report)
}

type Config struct {
	Interval time.Duration
	TestPort uint16
	Base     types.ReportBase
}

// Scheduler closes a reporting window every interval and publishes the
// resulting report.
type Scheduler struct {
	cfg       Config
	supplier  hosts.Supplier
	stats     Snapshotter
	publisher Publisher
	archive   Archive
	metrics   *metrics.Collector
}

// New creates a scheduler. supplier and archive may be nil.
func New(cfg Config, supplier hosts.Supplier, stats Snapshotter, publisher Publisher, archive Archive, metricsCollector *metrics.Collector) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		supplier:  supplier,
		stats:     stats,
		publisher: publisher,
		archive:   archive,
		metrics:   metricsCollector,
	}
}

// Run sleeps the full interval before every cycle until ctx is cancelled.
// Cycle failures never stop the loop.
func (s *Scheduler) Run(ctx context.Context) {
	log.Infof("Report scheduler started (interval %s)", s.cfg.Interval)
	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Report scheduler stopped")
			return
		case <-timer.C:
			s.RunOnce(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

// RunOnce closes the current window, publishes its report and returns it.
func (s *Scheduler) RunOnce(ctx context.Context) *types.Report {
	start := time.Now()

	hostList := s.hosts(ctx)
	report := s.stats.SnapshotAndReset(ctx, s.cfg.Base, hostList, s.cfg.TestPort)

	data, err := json.Marshal(report)
	if err != nil {
		// Report holds only plain values; this would be a programming error.
		log.Errorf("Failed to serialize report: %v", err)
		return report
	}

	reached := s.publisher.Publish(string(data))
	if s.archive != nil {
		s.archive.Update(report)
	}

	duration := time.Since(start)
	s.metrics.RecordReportPublished()
	s.metrics.RecordReportBuild(duration.Seconds())

	log.WithFields(log.Fields{
		"total_requests": report.TotalRequests,
		"error_rate":     report.ErrorRate,
		"hosts":          len(report.HostsPingDelay),
		"subscribers":    reached,
		"duration_ms":    duration.Milliseconds(),
	}).Info("Report published")

	return report
}

func (s *Scheduler) hosts(ctx context.Context) []string {
	if s.supplier == nil {
		return nil
	}
	list, err := s.supplier.Hosts(ctx)
	if err != nil {
		s.metrics.RecordSupplierError()
		log.Warnf("Host supplier failed, reporting without host latencies: %v", err)
		return nil
	}
	return list
}
