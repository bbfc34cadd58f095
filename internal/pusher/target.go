package pusher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/spider-stats-pusher/internal/broadcast"
	"github.com/spider-stats-pusher/internal/metrics"
)

var (
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrSendTimeout      = errors.New("send timeout")
)

type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateClosing
)

var stateNames = []string{"connecting", "streaming", "closing"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// TargetStatus is a point-in-time view of one push target.
type TargetStatus struct {
	URL            string    `json:"url"`
	State          string    `json:"state"`
	ConnectedSince time.Time `json:"connected_since"`
	Connects       uint64    `json:"connects"`
	ReportsSent    uint64    `json:"reports_sent"`
	LastError      string    `json:"last_error,omitempty"`
}

type target struct {
	url     string
	opts    Options
	client  *http.Client
	sub     *broadcast.Subscription[string]
	metrics *metrics.Collector

	mu             sync.Mutex
	state          State
	connectedSince time.Time
	connects       uint64
	sent           uint64
	lastErr        string
}

// run drives Connecting -> Streaming -> Closing -> Connecting until ctx is
// cancelled. There is no other way out.
func (t *target) run(ctx context.Context) {
	logger := log.WithField("url", t.url)

	for ctx.Err() == nil {
		t.setState(StateConnecting)
		logger.Info("Connecting to push target")

		conn, err := t.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("Push target unreachable, retrying")
			t.recordError("connect", err)
			if !sleepCtx(ctx, t.opts.ReconnectDelay) {
				return
			}
			continue
		}

		t.setState(StateStreaming)
		t.metrics.RecordTargetConnect(t.url)
		logger.Info("Push target connected")

		err = t.stream(ctx, conn)

		t.setState(StateClosing)
		if ctx.Err() != nil {
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		}
		conn.CloseNow()

		if err != nil {
			logger.WithError(err).Error("Push stream failed, reconnecting")
			t.recordError(errorReason(err), err)
		} else {
			logger.Info("Push target closed the connection, reconnecting")
		}

		if !sleepCtx(ctx, t.opts.Cooldown) {
			return
		}
	}
}

func (t *target) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()
	return dial(dialCtx, t.client, t.url)
}

// stream multiplexes inbound frames, the heartbeat ticker and outgoing
// reports on one connection. It returns nil when the remote closes cleanly.
func (t *target) stream(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastBeat atomic.Int64
	touch := func() { lastBeat.Store(time.Now().UnixNano()) }
	alive := func() error {
		if silence := time.Since(time.Unix(0, lastBeat.Load())); silence >= t.opts.HeartbeatTimeout {
			return fmt.Errorf("%w: silent for %v", ErrHeartbeatTimeout, silence.Round(time.Millisecond))
		}
		return nil
	}
	touch()

	readErr := make(chan error, 1)
	go func() { readErr <- t.readLoop(ctx, conn, touch) }()

	var pinging atomic.Bool
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return err

		case <-ticker.C:
			if err := alive(); err != nil {
				return err
			}
			// A pong counts as inbound activity. Ping blocks until the pong
			// arrives, so it runs beside the loop and never stalls delivery.
			if pinging.CompareAndSwap(false, true) {
				go func() {
					defer pinging.Store(false)
					pingCtx, cancel := context.WithTimeout(ctx, t.opts.HeartbeatTimeout)
					defer cancel()
					if err := conn.Ping(pingCtx); err == nil {
						touch()
					}
				}()
				t.metrics.RecordFrameSent(t.url, "ping")
			}
			if err := alive(); err != nil {
				return err
			}

		case report := <-t.sub.C():
			t.metrics.RecordLagged(t.url, t.sub.TakeLagged())
			if err := t.send(ctx, conn, report); err != nil {
				return err
			}
		}
	}
}

func (t *target) readLoop(ctx context.Context, conn *websocket.Conn, touch func()) error {
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				log.WithFields(log.Fields{
					"url":    t.url,
					"status": status,
				}).Debug("Received close frame")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		touch()
	}
}

func (t *target) send(ctx context.Context, conn *websocket.Conn, report string) error {
	writeCtx, cancel := context.WithTimeout(ctx, t.opts.SendTimeout)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageText, []byte(report)); err != nil {
		if errors.Is(writeCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrSendTimeout, err)
		}
		return fmt.Errorf("write: %w", err)
	}

	t.mu.Lock()
	t.sent++
	t.mu.Unlock()
	t.metrics.RecordFrameSent(t.url, "report")
	return nil
}

func (t *target) setState(s State) {
	t.mu.Lock()
	t.state = s
	switch s {
	case StateStreaming:
		t.connectedSince = time.Now()
		t.connects++
	case StateConnecting, StateClosing:
		t.connectedSince = time.Time{}
	}
	t.mu.Unlock()

	t.metrics.SetTargetState(t.url, s.String(), stateNames)
}

func (t *target) recordError(reason string, err error) {
	t.mu.Lock()
	t.lastErr = err.Error()
	t.mu.Unlock()
	t.metrics.RecordTargetError(t.url, reason)
}

func (t *target) status() TargetStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TargetStatus{
		URL:            t.url,
		State:          t.state.String(),
		ConnectedSince: t.connectedSince,
		Connects:       t.connects,
		ReportsSent:    t.sent,
		LastError:      t.lastErr,
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrHeartbeatTimeout):
		return "heartbeat"
	case errors.Is(err, ErrSendTimeout):
		return "send_timeout"
	}
	return "stream"
}
