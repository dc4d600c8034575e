package session

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"

	"lanmedia/work/pipeline"
)

// State is the lifecycle position of a session.
type State int32

const (
	StateRequested State = iota
	StateNegotiating
	StateActive
	StateReused
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateReused:
		return "reused"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const chunkSize = 32 * 1024

// Session is one running pipeline shared by every output attached to it.
type Session struct {
	id      string
	key     string
	source  string
	profile string
	mime    string
	spec    pipeline.Spec
	created time.Time
	mgr     *Manager

	state        atomic.Int32
	lastActivity atomic.Int64
	bytes        atomic.Int64

	// ready is closed once the pipeline opened or failed; err holds the failure
	ready chan struct{}
	err   error

	mu       sync.Mutex
	handle   pipeline.Handle
	outputs  map[*Output]struct{}
	reserved int
	pumping  bool

	closeOnce sync.Once
}

// Info is a snapshot of a session for listings.
type Info struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	Profile      string    `json:"profile"`
	MimeType     string    `json:"mimeType"`
	State        string    `json:"state"`
	Outputs      int       `json:"outputs"`
	Bytes        int64     `json:"bytes"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"lastActivity"`
}

func (s *Session) ID() string          { return s.id }
func (s *Session) Source() string      { return s.source }
func (s *Session) Profile() string     { return s.profile }
func (s *Session) MimeType() string    { return s.mime }
func (s *Session) Spec() pipeline.Spec { return s.spec }
func (s *Session) State() State        { return State(s.state.Load()) }

// LastActivity is the latest output activity. The pipeline's own activity
// only counts while an output is attached to receive it.
func (s *Session) LastActivity() time.Time {
	last := time.Unix(0, s.lastActivity.Load())
	s.mu.Lock()
	h := s.handle
	attached := len(s.outputs) > 0
	s.mu.Unlock()
	if h != nil && attached {
		if hl := h.LastActivity(); hl.After(last) {
			last = hl
		}
	}
	return last
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) live() bool {
	st := s.State()
	return st == StateActive || st == StateReused
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	outputs := len(s.outputs)
	s.mu.Unlock()
	return Info{
		ID:           s.id,
		Source:       s.source,
		Profile:      s.profile,
		MimeType:     s.mime,
		State:        s.State().String(),
		Outputs:      outputs,
		Bytes:        s.bytes.Load(),
		Created:      s.created,
		LastActivity: s.LastActivity(),
	}
}

// reserve holds a slot for a caller that is about to attach, so the session
// is not drained in between. It fails once the session left Active/Reused.
// With requireOutput the session must also have an output attached or one
// on its way.
func (s *Session) reserve(requireOutput bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live() {
		return false
	}
	if requireOutput && len(s.outputs) == 0 && s.reserved == 0 {
		return false
	}
	s.reserved++
	return true
}

// Attach adds an output. Data read from the pipeline after this call is
// copied to w; a w that is also an http.Flusher is flushed after each chunk.
func (s *Session) Attach(w io.Writer) (*Output, error) {
	s.mu.Lock()
	if !s.live() {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.reserved > 0 {
		s.reserved--
	}

	o := &Output{session: s, w: w, done: make(chan struct{})}
	if f, ok := w.(http.Flusher); ok {
		o.flusher = f
	}
	s.outputs[o] = struct{}{}
	startPump := !s.pumping
	s.pumping = true
	s.mu.Unlock()

	s.touch(s.mgr.now())
	s.mgr.metrics.SessionOutputs.WithLabelValues(s.profile).Inc()
	s.mgr.log.Debug("{session/session - Attach} session %s: output attached", s.id)

	if startPump {
		s.mgr.wg.Add(1)
		go s.pump()
	}
	return o, nil
}

// release gives back a reservation that will never be attached. The session
// drains if nothing else holds it.
func (s *Session) release() {
	s.mu.Lock()
	if s.reserved > 0 {
		s.reserved--
	}
	drained := len(s.outputs) == 0 && s.reserved == 0 && s.live()
	s.mu.Unlock()

	if drained {
		s.mgr.log.Debug("{session/session - release} session %s: abandoned before attach", s.id)
		s.close(reasonDrained, nil)
	}
}

func (s *Session) detach(o *Output) {
	s.mu.Lock()
	if _, ok := s.outputs[o]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.outputs, o)
	drained := len(s.outputs) == 0 && s.reserved == 0 && s.live()
	s.mu.Unlock()

	s.mgr.metrics.SessionOutputs.WithLabelValues(s.profile).Dec()
	s.mgr.log.Debug("{session/session - detach} session %s: output detached", s.id)

	if drained {
		s.mgr.log.Debug("{session/session - detach} session %s: no outputs remain", s.id)
		s.close(reasonDrained, nil)
	}
}

func (s *Session) snapshot() []*Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Output, 0, len(s.outputs))
	for o := range s.outputs {
		out = append(out, o)
	}
	return out
}

// pump copies pipeline output to every attached output until the pipeline
// ends or the session closes.
func (s *Session) pump() {
	defer s.mgr.wg.Done()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if cap(buf.B) < chunkSize {
		buf.B = make([]byte, chunkSize)
	}
	buf.B = buf.B[:chunkSize]

	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	src := h.Output()

	for {
		n, err := src.Read(buf.B)
		if n > 0 {
			data := buf.B[:n]
			delivered := false
			for _, o := range s.snapshot() {
				if werr := o.write(data); werr != nil {
					s.mgr.log.Debug("{session/session - pump} session %s: output write failed: %v", s.id, werr)
					o.finish(werr)
					s.detach(o)
					continue
				}
				delivered = true
			}
			s.bytes.Add(int64(n))
			// reading with nobody listening is not activity
			if delivered {
				s.touch(s.mgr.now())
				s.mgr.metrics.BytesStreamed.WithLabelValues(s.profile).Add(float64(n))
			}
		}
		if err != nil {
			if err == io.EOF {
				s.mgr.log.Debug("{session/session - pump} session %s: pipeline ended after %d bytes", s.id, s.bytes.Load())
			} else if s.live() {
				s.mgr.log.Warn("{session/session - pump} session %s: pipeline read failed: %v", s.id, err)
				s.mgr.metrics.SessionErrors.WithLabelValues("pipeline_read").Inc()
			}
			s.close(reasonEnded, nil)
			return
		}
		if !s.live() {
			return
		}
	}
}

// close drains the session: the pipeline is released, the session leaves the
// index and every output is finished with err.
func (s *Session) close(reason string, err error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateDraining))

		s.mu.Lock()
		outputs := make([]*Output, 0, len(s.outputs))
		for o := range s.outputs {
			outputs = append(outputs, o)
		}
		clear(s.outputs)
		h := s.handle
		s.mu.Unlock()

		if h != nil {
			if cerr := h.Close(); cerr != nil {
				s.mgr.log.Debug("{session/session - close} session %s: pipeline close: %v", s.id, cerr)
			}
		}
		s.state.Store(int32(StateClosed))
		s.mgr.forget(s, reason)

		for _, o := range outputs {
			o.finish(err)
		}
		s.mgr.metrics.SessionOutputs.WithLabelValues(s.profile).Sub(float64(len(outputs)))
	})
}

// Output is one connection attached to a session.
type Output struct {
	session *Session
	w       io.Writer
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
	err    error
	done   chan struct{}
}

func (o *Output) write(p []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrSessionClosed
	}
	if _, err := o.w.Write(p); err != nil {
		return err
	}
	if o.flusher != nil {
		o.flusher.Flush()
	}
	return nil
}

func (o *Output) finish(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed, o.err = true, err
	close(o.done)
}

// Session returns the session the output is attached to.
func (o *Output) Session() *Session { return o.session }

// Done is closed when the output stops receiving data.
func (o *Output) Done() <-chan struct{} { return o.done }

// Wait blocks until the output stops receiving data or ctx ends. It returns
// nil when the stream ended normally.
func (o *Output) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close detaches the output. No write reaches the writer after Close returns.
func (o *Output) Close() {
	o.finish(nil)
	o.session.detach(o)
}
