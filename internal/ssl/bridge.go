package ssl

import (
	"errors"
	"fmt"

	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// Callback names used in logs and metrics.
const (
	callbackVerify     = "verify"
	callbackALPN       = "alpn_select"
	callbackOCSPServer = "ocsp_server"
	callbackOCSPClient = "ocsp_client"
	callbackKeylog     = "keylog"
	callbackServerName = "server_name"
	callbackInfo       = "info"
)

// errCallbackFailed is what the engine sees when a callback failed. The
// caller receives the callback's own error instead.
var errCallbackFailed = errors.New("ssl: callback failed")

// stash holds the first failure raised by a callback during one engine call.
type stash struct {
	callback string
	err      error
	panicked bool
	value    any
}

// bridge runs engine-invoked callbacks. Failures are caught and stashed so
// the engine only sees errCallbackFailed; the facade re-raises the stashed
// failure once the engine call returns.
type bridge struct {
	logger  observability.Logger
	metrics MetricsRecorder

	depth   int
	pending *stash
}

func newBridge(logger observability.Logger, metrics MetricsRecorder) *bridge {
	return &bridge{logger: logger, metrics: metrics}
}

// active reports whether a callback is running.
func (b *bridge) active() bool {
	return b.depth > 0
}

// invoke runs fn as the callback called name. A returned error or a panic is
// stashed, and errCallbackFailed is returned in its place. The retry signal
// ErrWantX509Lookup is passed through without stashing.
func (b *bridge) invoke(name string, fn func() error) (err error) {
	b.depth++
	defer func() {
		b.depth--
		if r := recover(); r != nil {
			b.record(&stash{callback: name, panicked: true, value: r})
			err = errCallbackFailed
			return
		}
		if err != nil && !errors.Is(err, sslerr.ErrWantX509Lookup) {
			b.record(&stash{callback: name, err: err})
			err = errCallbackFailed
		}
	}()
	return fn()
}

// invokeSilent runs a diagnostic callback. Errors and panics are logged and
// dropped.
func (b *bridge) invokeSilent(name string, fn func() error) {
	b.depth++
	defer func() {
		b.depth--
		if r := recover(); r != nil {
			b.metrics.RecordCallbackError(name)
			b.logger.Warn("callback panicked",
				observability.String("callback", name),
				observability.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	if err := fn(); err != nil {
		b.metrics.RecordCallbackError(name)
		b.logger.Warn("callback failed",
			observability.String("callback", name),
			observability.Error(err),
		)
	}
}

func (b *bridge) record(s *stash) {
	b.metrics.RecordCallbackError(s.callback)
	if b.pending != nil {
		b.logger.Debug("dropping later callback failure",
			observability.String("callback", s.callback))
		return
	}
	b.pending = s
}

// take removes the stashed failure. A stashed panic is re-raised here with
// its original value.
func (b *bridge) take() error {
	s := b.pending
	b.pending = nil
	if s == nil {
		return nil
	}
	if s.panicked {
		panic(s.value)
	}
	return s.err
}

// reentrant returns a StateError when op is attempted from inside a callback.
func (b *bridge) reentrant(op string) error {
	if b.active() {
		return sslerr.NewStateError(op, "inside callback")
	}
	return nil
}
