package snapshot

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"github.com/spider-stats-pusher/internal/storage"
	"github.com/spider-stats-pusher/internal/types"
)

const persistQueueSize = 16

// Manager holds the most recently published report and archives every
// published report in the background, in publish order.
type Manager struct {
	current atomic.Pointer[types.Report]
	storage storage.Storage

	mu      sync.Mutex
	closed  bool
	persist chan *types.Report
	done    chan struct{}
	lastErr error // written by persistLoop, read after done
}

func NewManager(store storage.Storage) *Manager {
	m := &Manager{
		storage: store,
		persist: make(chan *types.Report, persistQueueSize),
		done:    make(chan struct{}),
	}
	go m.persistLoop()
	return m
}

// Update atomically swaps the current report and queues it for archiving.
// The report must not be modified afterwards.
func (m *Manager) Update(report *types.Report) {
	m.current.Store(report)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.persist <- report:
	default:
		log.Warn("Report archive is behind, skipping persistence of this report")
	}
}

// Get returns the current report (atomic read), or nil before the first one.
func (m *Manager) Get() *types.Report {
	return m.current.Load()
}

// History returns up to limit archived reports, newest first.
func (m *Manager) History(limit int) ([]*types.Report, error) {
	return m.storage.History(limit)
}

func (m *Manager) persistLoop() {
	defer close(m.done)
	for report := range m.persist {
		if err := m.storage.Save(report); err != nil {
			m.lastErr = err
			log.Errorf("Failed to persist report: %v", err)
		} else {
			log.Debugf("Report persisted: window ending %d", report.TimePeriod.End)
		}
	}
}

// LoadFromStorage restores the last archived report so it can be served
// before the first window closes. It is never re-pushed.
func (m *Manager) LoadFromStorage() error {
	report, err := m.storage.Load()
	if err != nil {
		return err
	}
	if report == nil {
		log.Info("No archived report in storage")
		return nil
	}

	m.current.CompareAndSwap(nil, report)
	log.Infof("Loaded archived report for window ending %d", report.TimePeriod.End)
	return nil
}

// Close flushes queued reports and returns the last persistence error, if
// any. The storage itself is closed by its owner.
func (m *Manager) Close() error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.persist)
	}
	m.mu.Unlock()
	<-m.done
	return m.lastErr
}
