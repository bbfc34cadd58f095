package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spider-stats-pusher/internal/metrics"
)

// Dial opens a bare TCP connection to host:port, closes it immediately and
// returns how long the handshake took. No protocol data is exchanged.
// Hostnames are resolved before the clock starts, so only the connect is
// timed; lookup and connect share the timeout.
func Dial(ctx context.Context, host string, port uint16, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ip, err := resolve(ctx, host)
	if err != nil {
		return 0, err
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(int(port)))

	var dialer net.Dialer
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	conn.Close()

	return elapsed, nil
}

// resolve returns host unchanged when it is an IP literal, otherwise its
// first IPv4 address, falling back to the first address of any family.
func resolve(ctx context.Context, host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.String(), nil
		}
	}
	return addrs[0].String(), nil
}

// Prober measures connect latency to many hosts with bounded concurrency.
type Prober struct {
	timeout     time.Duration
	concurrency int
	metrics     *metrics.Collector
}

func NewProber(timeout time.Duration, concurrency int, metricsCollector *metrics.Collector) *Prober {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Prober{
		timeout:     timeout,
		concurrency: concurrency,
		metrics:     metricsCollector,
	}
}

// Timeout is the latency ceiling reported for unreachable hosts.
func (p *Prober) Timeout() time.Duration {
	return p.timeout
}

// ProbeAll returns the connect latency in milliseconds for every host. A
// host that cannot be reached within the timeout reports the timeout itself,
// so every host always has an entry.
func (p *Prober) ProbeAll(ctx context.Context, hosts []string, port uint16) map[string]float64 {
	results := make(map[string]float64, len(hosts))
	if len(hosts) == 0 {
		return results
	}

	start := time.Now()
	var mu sync.Mutex
	var failed int

	// Semaphore for concurrency control
	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup

	for _, host := range hosts {
		sem <- struct{}{}
		wg.Add(1)

		go func(host string) {
			defer wg.Done()
			defer func() { <-sem }()

			elapsed, err := Dial(ctx, host, port, p.timeout)
			if err != nil {
				log.WithFields(log.Fields{
					"host":  host,
					"port":  port,
					"error": err,
				}).Debug("Host probe failed")
				elapsed = p.timeout
			}
			p.metrics.RecordHostLatency(elapsed.Seconds())

			mu.Lock()
			results[host] = microsToMillis(elapsed)
			if err != nil {
				failed++
			}
			mu.Unlock()
		}(host)
	}

	wg.Wait()

	log.Debugf("Probed %d hosts on port %d in %v (%d unreachable)", len(hosts), port, time.Since(start), failed)
	return results
}

func microsToMillis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
