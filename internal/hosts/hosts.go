package hosts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxBody caps remote host lists at 10MB
const maxBody = 10 * 1024 * 1024

// Supplier yields the hosts to probe for one reporting cycle.
type Supplier interface {
	Hosts(ctx context.Context) ([]string, error)
}

// Static serves a fixed host list.
type Static []string

func (s Static) Hosts(context.Context) ([]string, error) {
	out := make([]string, len(s))
	copy(out, s)
	return out, nil
}

// Source loads the host list from a local file, or from a URL when the
// location starts with "http". It is read again on every call.
type Source struct {
	location string
	client   *http.Client
}

func NewSource(location string) *Source {
	return &Source{
		location: location,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (s *Source) Hosts(ctx context.Context) ([]string, error) {
	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(s.location, "http") {
		data, err = s.fetch(ctx)
	} else {
		data, err = os.ReadFile(s.location)
	}
	if err != nil {
		return nil, fmt.Errorf("load hosts from %s: %w", s.location, err)
	}

	hosts := Parse(data)
	log.Debugf("Loaded %d hosts from %s", len(hosts), s.location)
	return hosts, nil
}

func (s *Source) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.location, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxBody))
}

// Parse accepts a JSON array of strings or a whitespace separated list.
func Parse(data []byte) []string {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		return compact(list)
	}
	return strings.Fields(string(data))
}

func compact(list []string) []string {
	out := list[:0]
	for _, h := range list {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}
