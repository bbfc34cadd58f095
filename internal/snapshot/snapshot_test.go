package snapshot

import (
	"errors"
	"sync"
	"testing"

	"github.com/spider-stats-pusher/internal/types"
)

type memStorage struct {
	mu    sync.Mutex
	saved []*types.Report
	err   error
}

func (s *memStorage) Save(r *types.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, r)
	return nil
}

func (s *memStorage) Load() (*types.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return nil, s.err
	}
	return s.saved[len(s.saved)-1], nil
}

func (s *memStorage) History(limit int) ([]*types.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Report
	for i := len(s.saved) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.saved[i])
	}
	return out, nil
}

func (s *memStorage) Close() error { return nil }

func report(end int64) *types.Report {
	return &types.Report{TimePeriod: types.TimePeriod{Start: end - 1000, End: end}}
}

func TestManager_UpdatePersistsInOrder(t *testing.T) {
	store := &memStorage{}
	m := NewManager(store)

	if m.Get() != nil {
		t.Fatal("expected no report before first update")
	}

	for i := int64(1); i <= 5; i++ {
		m.Update(report(i * 1000))
	}
	if got := m.Get().TimePeriod.End; got != 5000 {
		t.Fatalf("current end = %d", got)
	}

	m.Close()

	if len(store.saved) != 5 {
		t.Fatalf("saved %d reports", len(store.saved))
	}
	for i, r := range store.saved {
		if r.TimePeriod.End != int64(i+1)*1000 {
			t.Fatalf("saved out of order: %d at %d", r.TimePeriod.End, i)
		}
	}

	history, err := m.History(2)
	if err != nil || len(history) != 2 || history[0].TimePeriod.End != 5000 {
		t.Fatalf("History = %v, %v", history, err)
	}
}

func TestManager_UpdateAfterCloseOnlySwaps(t *testing.T) {
	store := &memStorage{}
	m := NewManager(store)
	m.Close()
	m.Close()

	m.Update(report(1000))
	if m.Get() == nil {
		t.Fatal("current report not updated")
	}
	if len(store.saved) != 0 {
		t.Fatal("report persisted after close")
	}
}

func TestManager_LoadFromStorage(t *testing.T) {
	store := &memStorage{saved: []*types.Report{report(1000), report(2000)}}
	m := NewManager(store)
	defer m.Close()

	if err := m.LoadFromStorage(); err != nil {
		t.Fatalf("LoadFromStorage: %v", err)
	}
	if got := m.Get().TimePeriod.End; got != 2000 {
		t.Fatalf("loaded end = %d", got)
	}
}

func TestManager_LoadDoesNotOverrideFreshReport(t *testing.T) {
	store := &memStorage{saved: []*types.Report{report(1000)}}
	m := NewManager(store)
	defer m.Close()

	m.Update(report(9000))
	if err := m.LoadFromStorage(); err != nil {
		t.Fatalf("LoadFromStorage: %v", err)
	}
	if got := m.Get().TimePeriod.End; got != 9000 {
		t.Fatalf("current end = %d", got)
	}
}

func TestManager_LoadError(t *testing.T) {
	m := NewManager(&memStorage{err: errors.New("disk gone")})
	defer m.Close()

	if err := m.LoadFromStorage(); err == nil {
		t.Fatal("expected load error")
	}
	if m.Get() != nil {
		t.Fatal("unexpected report")
	}
}
