package pusher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"golang.org/x/net/proxy"
)

// readLimit bounds inbound frames; collectors only send acks and control frames.
const readLimit = 1 << 20

// DefaultPort returns the port implied by a websocket scheme.
func DefaultPort(scheme string) (string, error) {
	switch scheme {
	case "ws":
		return "80", nil
	case "wss":
		return "443", nil
	}
	return "", fmt.Errorf("unsupported scheme %q", scheme)
}

// normalizeTarget parses raw and makes the port explicit.
func normalizeTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	port, err := DefaultPort(u.Scheme)
	if err != nil {
		return nil, err
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("missing host")
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}
	return u, nil
}

// proxyTransport routes the websocket handshake through an HTTP proxy or a
// SOCKS5 dialer.
func proxyTransport(raw string) (*http.Transport, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy URL: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()

	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
		return transport, nil
	}

	dialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("proxy dialer: %w", err)
	}

	transport.Proxy = nil
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		transport.DialContext = cd.DialContext
	} else {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}
	return transport, nil
}

func dial(ctx context.Context, client *http.Client, target string) (*websocket.Conn, error) {
	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: client,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}
