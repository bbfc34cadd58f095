package pusher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func testOptions() Options {
	return Options{
		ConnectTimeout:    time.Second,
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  2 * time.Second,
		SendTimeout:       time.Second,
		ReconnectDelay:    50 * time.Millisecond,
		Cooldown:          10 * time.Millisecond,
		BufferSize:        10,
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// collector accepts websocket connections and forwards text frames.
func collector(t *testing.T, received chan<- string, refuseFirst int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= refuseFirst {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		for {
			typ, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			if typ == websocket.MessageText {
				received <- string(data)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &attempts
}

func startPusher(t *testing.T, p *Pusher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pusher did not stop")
		}
	})
}

func waitFor(t *testing.T, within time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", within, what)
}

func stateOf(p *Pusher, i int) TargetStatus {
	return p.Targets()[i]
}

func TestPusher_ReachesStreamingAfterFailedAttempts(t *testing.T) {
	received := make(chan string, 4)
	srv, attempts := collector(t, received, 3)

	opts := testOptions()
	p, err := New([]string{wsURL(srv.URL)}, opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startPusher(t, p)

	waitFor(t, 3*opts.ReconnectDelay+time.Second, "streaming", func() bool {
		return stateOf(p, 0).State == "streaming"
	})
	if n := attempts.Load(); n != 4 {
		t.Fatalf("connection attempts = %d, want 4", n)
	}
	if stateOf(p, 0).LastError == "" {
		t.Fatal("failed attempts should be recorded")
	}

	p.Publish(`{"totalRequests":1}`)
	select {
	case got := <-received:
		if got != `{"totalRequests":1}` {
			t.Fatalf("received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("report not delivered")
	}
}

func TestPusher_HeartbeatTimeoutReconnects(t *testing.T) {
	var accepts atomic.Int32
	stop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepts.Add(1)
		// Never read: pings go unanswered and nothing is ever sent.
		<-stop
		c.CloseNow()
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(stop) })

	opts := testOptions()
	opts.HeartbeatInterval = 40 * time.Millisecond
	opts.HeartbeatTimeout = 80 * time.Millisecond

	p, err := New([]string{wsURL(srv.URL)}, opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startPusher(t, p)

	waitFor(t, 2*time.Second, "second connection", func() bool {
		return accepts.Load() >= 2
	})
	if last := stateOf(p, 0).LastError; !strings.Contains(last, "heartbeat timeout") {
		t.Fatalf("last error = %q, want heartbeat timeout", last)
	}
}

func TestPusher_CleanCloseReconnects(t *testing.T) {
	var accepts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if accepts.Add(1) == 1 {
			c.Close(websocket.StatusNormalClosure, "bye")
			return
		}
		for {
			if _, _, err := c.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	p, err := New([]string{wsURL(srv.URL)}, testOptions(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startPusher(t, p)

	waitFor(t, 2*time.Second, "reconnect after close", func() bool {
		s := stateOf(p, 0)
		return accepts.Load() >= 2 && s.State == "streaming" && s.Connects >= 2
	})
	if last := stateOf(p, 0).LastError; last != "" {
		t.Fatalf("clean close should not be an error, got %q", last)
	}
}

func TestPusher_DeadTargetDoesNotAffectOthers(t *testing.T) {
	received := make(chan string, 4)
	srv, _ := collector(t, received, 0)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := "ws://" + ln.Addr().String()
	ln.Close()

	p, err := New([]string{dead, wsURL(srv.URL)}, testOptions(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startPusher(t, p)

	waitFor(t, 2*time.Second, "live target streaming", func() bool {
		return stateOf(p, 1).State == "streaming"
	})
	if n := p.Publish("report"); n != 2 {
		t.Fatalf("published to %d targets, want 2", n)
	}

	select {
	case got := <-received:
		if got != "report" {
			t.Fatalf("received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("healthy target starved by dead one")
	}
	if s := stateOf(p, 0); s.State == "streaming" {
		t.Fatalf("dead target reports %s", s.State)
	}
}

func TestPusher_DeliversInPublishOrder(t *testing.T) {
	received := make(chan string, 16)
	srv, _ := collector(t, received, 0)

	p, err := New([]string{wsURL(srv.URL)}, testOptions(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Published before the target connects: buffered on its subscription.
	p.Publish("r0")
	startPusher(t, p)

	waitFor(t, 2*time.Second, "streaming", func() bool {
		return stateOf(p, 0).State == "streaming"
	})
	for i := 1; i < 5; i++ {
		p.Publish(fmt.Sprintf("r%d", i))
	}

	for i := 0; i < 5; i++ {
		select {
		case got := <-received:
			if want := fmt.Sprintf("r%d", i); got != want {
				t.Fatalf("frame %d = %q, want %q", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}
	waitFor(t, time.Second, "sent counter", func() bool {
		return stateOf(p, 0).ReportsSent == 5
	})
}

func TestNew_RejectsBadTargets(t *testing.T) {
	for _, raw := range []string{"http://example.com", "ws://", "::bad"} {
		if _, err := New([]string{raw}, testOptions(), nil); err == nil {
			t.Errorf("New(%q) should fail", raw)
		}
	}
}

func TestNew_RejectsBadProxy(t *testing.T) {
	opts := testOptions()
	opts.ProxyURL = "ftp://proxy:21"
	if _, err := New(nil, opts, nil); err == nil {
		t.Fatal("expected proxy error")
	}
}

func TestNormalizeTarget_DefaultPorts(t *testing.T) {
	cases := map[string]string{
		"ws://collector.local/ingest":  "ws://collector.local:80/ingest",
		"wss://collector.local/ingest": "wss://collector.local:443/ingest",
		"wss://collector.local:9443/x": "wss://collector.local:9443/x",
		"ws://[::1]/x":                 "ws://[::1]:80/x",
	}
	for in, want := range cases {
		u, err := normalizeTarget(in)
		if err != nil {
			t.Fatalf("normalizeTarget(%q): %v", in, err)
		}
		if u.String() != want {
			t.Errorf("normalizeTarget(%q) = %q, want %q", in, u.String(), want)
		}
	}
}

func TestProxyTransport(t *testing.T) {
	tr, err := proxyTransport("socks5://127.0.0.1:1080")
	if err != nil {
		t.Fatalf("socks5: %v", err)
	}
	if tr.DialContext == nil || tr.Proxy != nil {
		t.Fatal("socks5 proxy should replace the dialer")
	}

	tr, err = proxyTransport("http://127.0.0.1:3128")
	if err != nil {
		t.Fatalf("http: %v", err)
	}
	if tr.Proxy == nil {
		t.Fatal("http proxy should set Transport.Proxy")
	}
}
