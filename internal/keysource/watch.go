package keysource

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/avatls/internal/observability"
)

// DefaultWatchInterval is the poll interval when none is given.
const DefaultWatchInterval = time.Minute

// ChangeFunc receives material whose version differs from the last load.
// It owns the material. An error is logged and the version is not
// remembered, so the next poll offers the same material again.
type ChangeFunc func(m *Material) error

// Watcher polls a source and reports new versions.
type Watcher struct {
	source   Source
	interval time.Duration
	onChange ChangeFunc
	logger   observability.Logger
	metrics  *Metrics

	mu          sync.Mutex
	lastVersion string
	stopCh      chan struct{}
	stopped     bool
}

// NewWatcher creates a watcher. The first poll always reports a change.
func NewWatcher(source Source, interval time.Duration, onChange ChangeFunc, logger observability.Logger, metrics *Metrics) *Watcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = NewMetrics("")
	}
	return &Watcher{
		source:   source,
		interval: interval,
		onChange: onChange,
		logger:   logger,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
	}
}

// Run polls until ctx is done or Stop is called.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("starting key material watcher",
		observability.String("source", w.source.Name()),
		observability.Duration("interval", w.interval),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		w.Poll(ctx)

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Poll loads the source once and reports whether the version changed.
func (w *Watcher) Poll(ctx context.Context) bool {
	name := w.source.Name()
	m, err := w.source.Load(ctx)
	if err != nil {
		w.metrics.RecordRefresh(name, "error")
		w.logger.Error("failed to load key material",
			observability.String("source", name),
			observability.Error(err),
		)
		return false
	}

	w.mu.Lock()
	unchanged := m.Version == w.lastVersion
	w.mu.Unlock()
	if unchanged {
		_ = m.Free()
		w.metrics.RecordRefresh(name, "unchanged")
		return false
	}

	version := m.Version
	if err := w.onChange(m); err != nil {
		w.metrics.RecordRefresh(name, "error")
		w.logger.Error("key material rejected",
			observability.String("source", name),
			observability.String("version", version),
			observability.Error(err),
		)
		return false
	}

	w.mu.Lock()
	w.lastVersion = version
	w.mu.Unlock()
	w.metrics.RecordRefresh(name, "changed")
	w.logger.Info("key material changed",
		observability.String("source", name),
		observability.String("version", version),
	)
	return true
}

// Version returns the last accepted version.
func (w *Watcher) Version() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastVersion
}

// Stop stops Run. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
}
