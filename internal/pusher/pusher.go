// Package pusher delivers serialized reports to remote collectors over
// websocket connections. Every target runs its own connect, stream and
// reconnect loop; a failing target never delays or drops delivery to the
// others.
package pusher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"github.com/spider-stats-pusher/internal/broadcast"
	"github.com/spider-stats-pusher/internal/config"
	"github.com/spider-stats-pusher/internal/metrics"
)

type Options struct {
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendTimeout       time.Duration
	ReconnectDelay    time.Duration
	Cooldown          time.Duration
	BufferSize        int
	ProxyURL          string
}

func OptionsFromConfig(cfg config.PushConfig) Options {
	return Options{
		ConnectTimeout:    cfg.ConnectTimeout(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.HeartbeatTimeout(),
		SendTimeout:       cfg.SendTimeout(),
		ReconnectDelay:    cfg.ReconnectDelay(),
		Cooldown:          cfg.Cooldown(),
		BufferSize:        cfg.BufferSize,
		ProxyURL:          cfg.ProxyURL,
	}
}

type Pusher struct {
	opts    Options
	hub     *broadcast.Hub[string]
	targets []*target
	metrics *metrics.Collector
}

// New validates every target URL and subscribes each target to the report
// stream. Reports published after New returns are buffered for every target
// until it is streaming, up to BufferSize per target.
func New(urls []string, opts Options, metricsCollector *metrics.Collector) (*Pusher, error) {
	client, err := newHTTPClient(opts.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("push proxy: %w", err)
	}

	p := &Pusher{
		opts:    opts,
		hub:     broadcast.NewHub[string](opts.BufferSize),
		metrics: metricsCollector,
	}

	for _, raw := range urls {
		u, err := normalizeTarget(raw)
		if err != nil {
			return nil, fmt.Errorf("push target %q: %w", raw, err)
		}
		p.targets = append(p.targets, &target{
			url:     u.String(),
			opts:    opts,
			client:  client,
			sub:     p.hub.Subscribe(),
			metrics: metricsCollector,
			state:   StateConnecting,
		})
	}

	return p, nil
}

// Publish hands one report to every target and returns how many targets
// received it. It never blocks.
func (p *Pusher) Publish(report string) int {
	return p.hub.Publish(report)
}

// Run starts one supervised goroutine per target and blocks until ctx is
// cancelled and every target has shut down.
func (p *Pusher) Run(ctx context.Context) {
	if len(p.targets) == 0 {
		log.Info("No push targets configured")
		return
	}

	log.Infof("Starting broadcast pusher for %d targets", len(p.targets))

	var wg conc.WaitGroup
	for _, t := range p.targets {
		wg.Go(func() {
			defer t.sub.Close()
			p.supervise(ctx, t)
		})
	}
	wg.Wait()

	log.Info("Broadcast pusher stopped")
}

// supervise restarts a target loop that panicked. The loop itself only
// returns once ctx is done.
func (p *Pusher) supervise(ctx context.Context, t *target) {
	for ctx.Err() == nil {
		var pc panics.Catcher
		pc.Try(func() { t.run(ctx) })

		recovered := pc.Recovered()
		if recovered == nil {
			return
		}

		log.WithFields(log.Fields{
			"url":   t.url,
			"panic": recovered.Value,
		}).Error("Push target loop panicked, restarting")
		t.recordError("panic", fmt.Errorf("panic: %v", recovered.Value))

		if !sleepCtx(ctx, p.opts.ReconnectDelay) {
			return
		}
	}
}

// Targets returns the current status of every target, in configuration order.
func (p *Pusher) Targets() []TargetStatus {
	out := make([]TargetStatus, 0, len(p.targets))
	for _, t := range p.targets {
		out = append(out, t.status())
	}
	return out
}

func newHTTPClient(proxyURL string) (*http.Client, error) {
	if proxyURL == "" {
		return &http.Client{}, nil
	}
	transport, err := proxyTransport(proxyURL)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
