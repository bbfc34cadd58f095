package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"report": {"server_name": "node-1", "scraper_name": "catalog"},
		"push": {"targets": ["ws://collector.internal/stats", "wss://backup.example:9443/ingest"]}
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Report.Interval() != time.Minute {
		t.Errorf("interval = %v", cfg.Report.Interval())
	}
	if cfg.Report.ProbeTimeout() != 3*time.Second {
		t.Errorf("probe timeout = %v", cfg.Report.ProbeTimeout())
	}
	if cfg.Push.ConnectTimeout() != 2*time.Second || cfg.Push.SendTimeout() != 2*time.Second {
		t.Errorf("push timeouts = %v / %v", cfg.Push.ConnectTimeout(), cfg.Push.SendTimeout())
	}
	if cfg.Push.HeartbeatInterval() != 30*time.Second || cfg.Push.HeartbeatTimeout() != time.Minute {
		t.Errorf("heartbeat = %v / %v", cfg.Push.HeartbeatInterval(), cfg.Push.HeartbeatTimeout())
	}
	if cfg.Push.ReconnectDelay() != 3*time.Second || cfg.Push.Cooldown() != 500*time.Millisecond {
		t.Errorf("reconnect = %v / %v", cfg.Push.ReconnectDelay(), cfg.Push.Cooldown())
	}
	if cfg.Push.BufferSize != 10 {
		t.Errorf("buffer size = %d", cfg.Push.BufferSize)
	}
	if cfg.Notify.Marker != "timed out" || cfg.Notify.FloodThreshold != 100 || cfg.Notify.PageSize != 4000 {
		t.Errorf("notify = %+v", cfg.Notify)
	}
	if cfg.Notify.FloodResetAfter() != 0 {
		t.Errorf("flood reset = %v, want disabled", cfg.Notify.FloodResetAfter())
	}
	if cfg.Notify.StartupDelay() != time.Second {
		t.Errorf("startup delay = %v", cfg.Notify.StartupDelay())
	}
	if cfg.Report.ServerName != "node-1" || len(cfg.Push.Targets) != 2 {
		t.Errorf("explicit values lost: %+v", cfg.Report)
	}
}

func TestParse_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"http target":              `{"push": {"targets": ["http://collector/stats"]}}`,
		"target no host":           `{"push": {"targets": ["ws:///stats"]}}`,
		"bad proxy scheme":         `{"push": {"proxy_url": "ftp://proxy:21"}}`,
		"hosts without port":       `{"report": {"hosts_source": "/etc/hosts.json"}}`,
		"notify no transport":      `{"notify": {"enabled": true}}`,
		"unknown storage":          `{"storage": {"type": "s3"}}`,
		"bad log format":           `{"logging": {"format": "xml"}}`,
		"not json":                 `{`,
		"negative heartbeat":       `{"push": {"heartbeat_interval_ms": -1}}`,
		"negative reconnect delay": `{"push": {"reconnect_delay_ms": -5}}`,
		"negative connect timeout": `{"push": {"connect_timeout_ms": -1}}`,
		"negative push send":       `{"push": {"send_timeout_ms": -1}}`,
		"negative cooldown":        `{"push": {"cooldown_ms": -1}}`,
		"negative notify send":     `{"notify": {"send_timeout_ms": -1}}`,
		"negative startup delay":   `{"notify": {"startup_delay_ms": -1}}`,
		"negative flood reset":     `{"notify": {"flood_reset_after_seconds": -1}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParse_AcceptsDebugNotifyAndSocksProxy(t *testing.T) {
	_, err := Parse([]byte(`{
		"notify": {"enabled": true, "debug": true},
		"push": {"targets": ["ws://10.0.0.5:8765"], "proxy_url": "socks5://127.0.0.1:1080"}
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"report": {"interval_seconds": 5}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Report.Interval() != 5*time.Second {
		t.Fatalf("interval = %v", cfg.Report.Interval())
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil || !strings.Contains(err.Error(), "read config file") {
		t.Fatalf("missing file err = %v", err)
	}
}
