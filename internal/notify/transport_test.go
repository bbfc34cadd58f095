package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"unicode/utf8"

	"github.com/spider-stats-pusher/internal/config"
)

func TestPaginate(t *testing.T) {
	if got := Paginate("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("single page = %v", got)
	}

	body := strings.Repeat("a", 10) + strings.Repeat("b", 10) + "c"
	got := Paginate(body, 16)
	want := []string{
		strings.Repeat("a", 10) + " (1/3)",
		strings.Repeat("b", 10) + " (2/3)",
		"c (3/3)",
	}
	if len(got) != len(want) {
		t.Fatalf("pages = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("page %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPaginate_SuffixFitsInPageSize(t *testing.T) {
	for _, size := range []int{16, 32, 4096} {
		for _, n := range []int{size + 1, 99, 1000, 5000} {
			if n <= size {
				continue
			}
			body := strings.Repeat("é", n)
			pages := Paginate(body, size)

			var rebuilt strings.Builder
			for i, page := range pages {
				if runes := utf8.RuneCountInString(page); runes > size {
					t.Fatalf("size %d, body %d: page %d has %d runes", size, n, i+1, runes)
				}
				suffix := fmt.Sprintf(" (%d/%d)", i+1, len(pages))
				if !strings.HasSuffix(page, suffix) {
					t.Fatalf("size %d, body %d: page %q lacks %q", size, n, page, suffix)
				}
				rebuilt.WriteString(strings.TrimSuffix(page, suffix))
			}
			if rebuilt.String() != body {
				t.Fatalf("size %d, body %d: pages do not rebuild the body", size, n)
			}
		}
	}
}

func TestPaginate_CountsRunesNotBytes(t *testing.T) {
	body := strings.Repeat("é", 5)
	if got := Paginate(body, 5); len(got) != 1 {
		t.Fatalf("expected one page for 5 runes, got %v", got)
	}
}

type telegramCall struct {
	method  string
	chat    string
	text    string
	caption string
	file    string
}

func newTelegramServer(t *testing.T, token string, ok bool) (*httptest.Server, func() []telegramCall) {
	t.Helper()
	var mu sync.Mutex
	var calls []telegramCall

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix := "/bot" + token + "/"
		if !strings.HasPrefix(r.URL.Path, prefix) {
			http.NotFound(w, r)
			return
		}
		call := telegramCall{method: strings.TrimPrefix(r.URL.Path, prefix)}

		switch call.method {
		case "sendMessage":
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			call.chat, call.text = body["chat_id"], body["text"]
		case "sendDocument":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			call.chat = r.FormValue("chat_id")
			call.caption = r.FormValue("caption")
			f, header, err := r.FormFile("document")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(f)
			f.Close()
			call.file = header.Filename + ":" + string(data)
		}

		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if ok {
			_, _ = w.Write([]byte(`{"ok":true}`))
		} else {
			_, _ = w.Write([]byte(`{"ok":false,"description":"Forbidden: bot was blocked by the user"}`))
		}
	}))
	t.Cleanup(srv.Close)

	return srv, func() []telegramCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]telegramCall(nil), calls...)
	}
}

func TestTelegram_SendTextToEverySubscriber(t *testing.T) {
	srv, calls := newTelegramServer(t, "123:abc", true)
	tg := NewTelegram(config.TelegramConfig{
		Token:       "123:abc",
		APIBase:     srv.URL,
		Subscribers: []string{"111", "222"},
	})

	if err := tg.SendText(context.Background(), "spider stopped"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	got := calls()
	if len(got) != 2 {
		t.Fatalf("calls = %+v", got)
	}
	for i, chat := range []string{"111", "222"} {
		if got[i].method != "sendMessage" || got[i].chat != chat || got[i].text != "spider stopped" {
			t.Errorf("call %d = %+v", i, got[i])
		}
	}
}

func TestTelegram_SendFileWithCaption(t *testing.T) {
	srv, calls := newTelegramServer(t, "123:abc", true)
	tg := NewTelegram(config.TelegramConfig{
		Token:       "123:abc",
		APIBase:     srv.URL,
		Subscribers: []string{"111"},
	})

	path := filepath.Join(t.TempDir(), "errors.csv")
	if err := os.WriteFile(path, []byte("url,status\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := tg.SendFile(context.Background(), path, "daily errors"); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	got := calls()
	if len(got) != 1 {
		t.Fatalf("calls = %+v", got)
	}
	c := got[0]
	if c.method != "sendDocument" || c.chat != "111" || c.caption != "daily errors" || c.file != "errors.csv:url,status\n" {
		t.Fatalf("call = %+v", c)
	}
}

func TestTelegram_ErrorsAreReportedWithoutToken(t *testing.T) {
	srv, _ := newTelegramServer(t, "123:secret", false)
	tg := NewTelegram(config.TelegramConfig{
		Token:       "123:secret",
		APIBase:     srv.URL,
		Subscribers: []string{"111"},
	})

	err := tg.SendText(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "bot was blocked") {
		t.Fatalf("err = %v", err)
	}

	tg.apiBase = "http://127.0.0.1:1"
	err = tg.SendText(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error for unreachable API")
	}
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("error leaks token: %v", err)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("error lost its cause: %v", err)
	}
}

func TestTelegram_MissingFile(t *testing.T) {
	tg := NewTelegram(config.TelegramConfig{Token: "t", APIBase: "http://127.0.0.1:1", Subscribers: []string{"1"}})
	if err := tg.SendFile(context.Background(), filepath.Join(t.TempDir(), "missing"), ""); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSlack_SendText(t *testing.T) {
	var got slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSlack(srv.URL)
	if err := s.SendFile(context.Background(), "/tmp/out/report.csv", "weekly"); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if got.Text != "weekly\nfile: report.csv" {
		t.Fatalf("text = %q", got.Text)
	}
}

func TestSlack_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if err := NewSlack(srv.URL).SendText(context.Background(), "x"); err == nil {
		t.Fatal("expected error for 403")
	}
	if NewSlack("") != nil {
		t.Fatal("empty webhook should disable slack")
	}
}

type errTransport struct{ err error }

func (e errTransport) SendText(context.Context, string) error         { return e.err }
func (e errTransport) SendFile(context.Context, string, string) error { return e.err }

func TestMulti_CombinesErrors(t *testing.T) {
	errA := errors.New("a down")
	errB := errors.New("b down")
	m := Multi{errTransport{errA}, nil, errTransport{nil}, errTransport{errB}}

	err := m.SendText(context.Background(), "x")
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("err = %v", err)
	}
	if err := (Multi{errTransport{nil}}).SendFile(context.Background(), "p", ""); err != nil {
		t.Fatalf("err = %v", err)
	}
}

func TestNewTransport(t *testing.T) {
	if _, ok := NewTransport(config.NotifyConfig{Debug: true, SlackWebhook: "http://x"}).(Log); !ok {
		t.Fatal("debug mode should log")
	}
	if _, ok := NewTransport(config.NotifyConfig{}).(Log); !ok {
		t.Fatal("no destinations should fall back to logging")
	}

	tr := NewTransport(config.NotifyConfig{
		Telegram:     config.TelegramConfig{Token: "t", Subscribers: []string{"1"}},
		SlackWebhook: "http://hooks.example/x",
	})
	multi, ok := tr.(Multi)
	if !ok || len(multi) != 2 {
		t.Fatalf("transport = %#v", tr)
	}
}
