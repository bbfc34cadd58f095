package notify

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spider-stats-pusher/internal/config"
	"github.com/spider-stats-pusher/internal/metrics"
	"go.uber.org/multierr"
)

type Options struct {
	// Marker identifies transient-failure text subject to flood suppression.
	Marker string
	// FloodThreshold forwards every Nth marker message.
	FloodThreshold int
	// FloodResetAfter discards a partial marker count after this much
	// silence. Zero keeps the count indefinitely.
	FloodResetAfter time.Duration
	SendTimeout     time.Duration
	StartupDelay    time.Duration
	PageSize        int
}

func OptionsFromConfig(cfg config.NotifyConfig) Options {
	return Options{
		Marker:          cfg.Marker,
		FloodThreshold:  cfg.FloodThreshold,
		FloodResetAfter: cfg.FloodResetAfter(),
		SendTimeout:     cfg.SendTimeout(),
		StartupDelay:    cfg.StartupDelay(),
		PageSize:        cfg.PageSize,
	}
}

// Stats counts relay activity since construction.
type Stats struct {
	Enqueued   uint64 `json:"enqueued"`
	Forwarded  uint64 `json:"forwarded"`
	Suppressed uint64 `json:"suppressed"`
	Dropped    uint64 `json:"dropped"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
}

// Relay moves notifications from any number of producers to one delivery
// worker. Producers append to an unbounded queue; a forwarder hands each
// message to the worker through a capacity-1 channel, waiting at most
// SendTimeout before dropping it.
type Relay struct {
	opts      Options
	transport Transport
	metrics   *metrics.Collector

	queue   *queue
	handoff chan Message
	ready   chan struct{}

	// owned by the forwarder goroutine
	floodCount int
	lastMarker time.Time

	enqueued   atomic.Uint64
	forwarded  atomic.Uint64
	suppressed atomic.Uint64
	dropped    atomic.Uint64
	delivered  atomic.Uint64
	failed     atomic.Uint64
}

func NewRelay(transport Transport, opts Options, metricsCollector *metrics.Collector) *Relay {
	if opts.FloodThreshold < 1 {
		opts.FloodThreshold = 1
	}
	return &Relay{
		opts:      opts,
		transport: transport,
		metrics:   metricsCollector,
		queue:     newQueue(),
		handoff:   make(chan Message, 1),
		ready:     make(chan struct{}),
	}
}

// Enqueue accepts a message without blocking. Messages enqueued before Run
// are held until the relay starts.
func (r *Relay) Enqueue(m Message) {
	if m == nil {
		return
	}
	r.queue.push(m)
	r.enqueued.Add(1)
	r.metrics.RecordNotification("enqueued")
}

// Run starts the delivery worker, then forwards queued messages until ctx is
// cancelled. It returns after the worker has stopped.
func (r *Relay) Run(ctx context.Context) {
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		r.work(ctx)
	}()

	// Forward nothing until the worker is receiving, otherwise the first
	// messages would time out against an empty channel.
	select {
	case <-r.ready:
	case <-ctx.Done():
		<-workerDone
		return
	}
	if r.opts.StartupDelay > 0 {
		timer := time.NewTimer(r.opts.StartupDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}

	log.Info("Notification relay started")
	r.forwardLoop(ctx)
	<-workerDone
	log.Info("Notification relay stopped")
}

func (r *Relay) forwardLoop(ctx context.Context) {
	for {
		for _, m := range r.queue.drain() {
			r.forward(ctx, m)
		}
		select {
		case <-ctx.Done():
			return
		case <-r.queue.notify:
		}
	}
}

func (r *Relay) forward(ctx context.Context, m Message) {
	if t, ok := m.(Text); ok && r.opts.Marker != "" && strings.Contains(t.Body, r.opts.Marker) {
		if !r.admitMarker(time.Now()) {
			r.suppressed.Add(1)
			r.metrics.RecordNotification("suppressed")
			return
		}
	}
	r.handOff(ctx, m)
}

// admitMarker reports whether this marker occurrence is the Nth since the
// last one forwarded.
func (r *Relay) admitMarker(now time.Time) bool {
	if r.opts.FloodResetAfter > 0 && !r.lastMarker.IsZero() && now.Sub(r.lastMarker) > r.opts.FloodResetAfter {
		r.floodCount = 0
	}
	r.lastMarker = now

	r.floodCount++
	if r.floodCount < r.opts.FloodThreshold {
		return false
	}
	r.floodCount = 0
	return true
}

func (r *Relay) handOff(ctx context.Context, m Message) {
	timer := time.NewTimer(r.opts.SendTimeout)
	defer timer.Stop()

	select {
	case r.handoff <- m:
		r.forwarded.Add(1)
		r.metrics.RecordNotification("forwarded")
		return
	case <-timer.C:
		log.WithField("kind", m.kind()).Infof("Notification worker busy, dropping %v", m)
	case <-ctx.Done():
		log.WithField("kind", m.kind()).Infof("Notification relay stopping, dropping %v", m)
	}
	r.dropped.Add(1)
	r.metrics.RecordNotification("dropped")
}

func (r *Relay) work(ctx context.Context) {
	close(r.ready)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-r.handoff:
			r.deliver(ctx, m)
		}
	}
}

// deliver sends one message. Failures are logged and counted; the message is
// not retried.
func (r *Relay) deliver(ctx context.Context, m Message) {
	var err error
	switch m := m.(type) {
	case Text:
		for _, page := range Paginate(m.Body, r.opts.PageSize) {
			err = multierr.Append(err, r.transport.SendText(ctx, page))
		}
	case File:
		err = r.transport.SendFile(ctx, m.Path, "")
	case FileWithCaption:
		err = r.transport.SendFile(ctx, m.Path, m.Caption)
	case FilesWithCaption:
		if len(m.Paths) == 0 && m.Caption != "" {
			err = r.transport.SendText(ctx, m.Caption)
		}
		for i, path := range m.Paths {
			caption := ""
			if i == 0 {
				caption = m.Caption
			}
			err = multierr.Append(err, r.transport.SendFile(ctx, path, caption))
		}
	default:
		log.Warnf("Unsupported notification %T", m)
		return
	}

	if err != nil {
		r.failed.Add(1)
		r.metrics.RecordDeliveryError()
		log.WithField("kind", m.kind()).Errorf("Notification delivery failed: %v", err)
		return
	}
	r.delivered.Add(1)
	r.metrics.RecordNotification("delivered")
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Enqueued:   r.enqueued.Load(),
		Forwarded:  r.forwarded.Load(),
		Suppressed: r.suppressed.Load(),
		Dropped:    r.dropped.Load(),
		Delivered:  r.delivered.Load(),
		Failed:     r.failed.Load(),
	}
}

// Pending is the number of messages waiting for the forwarder.
func (r *Relay) Pending() int {
	return r.queue.len()
}
