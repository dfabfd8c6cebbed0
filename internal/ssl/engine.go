package ssl

import (
	"net"

	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// Engine operation names. An operation that parked can only be resumed by a
// call that runs the operation of the same name.
const (
	opHandshake = "handshake"
	opRead      = "read"
)

type stepResult struct {
	n    int
	err  error
	want error
}

// scheduler runs engine operations on a dedicated goroutine in lock-step with
// the caller. The caller blocks until the operation either finishes or parks
// on a retry point; the parked goroutine only continues when the caller runs
// the same operation again. At most one goroutine executes at any time.
type scheduler struct {
	resume chan struct{}
	yield  chan stepResult

	op      string
	stopped bool
}

func newScheduler() *scheduler {
	return &scheduler{
		resume: make(chan struct{}),
		yield:  make(chan stepResult, 1),
	}
}

// run starts op, or resumes the parked operation called name. It returns the
// retry signal when the operation parks again.
func (s *scheduler) run(name string, op func() (int, error)) (int, error) {
	if s.stopped {
		return 0, net.ErrClosed
	}

	switch s.op {
	case "":
		s.op = name
		go func() {
			n, err := op()
			s.yield <- stepResult{n: n, err: err}
		}()
	case name:
		s.resume <- struct{}{}
	default:
		return 0, sslerr.NewStateError(name, s.op+" pending")
	}

	r := <-s.yield
	if r.want != nil {
		return 0, r.want
	}
	s.op = ""
	return r.n, r.err
}

// pending returns the name of the parked operation, or "".
func (s *scheduler) pending() string {
	return s.op
}

// park must be called on the engine goroutine. It hands control back to the
// caller with the retry signal want and blocks until the operation is
// resumed. After stop it returns net.ErrClosed immediately.
func (s *scheduler) park(want error) error {
	s.yield <- stepResult{want: want}
	if _, ok := <-s.resume; !ok {
		return net.ErrClosed
	}
	return nil
}

// stop aborts a parked operation and waits for its goroutine to exit.
func (s *scheduler) stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.resume)

	if s.op == "" {
		return
	}
	for r := range s.yield {
		if r.want == nil {
			break
		}
	}
	s.op = ""
}
