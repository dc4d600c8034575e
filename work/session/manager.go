package session

import (
	"cmp"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/crypto/blake2b"

	"lanmedia/work/logger"
	"lanmedia/work/metrics"
	"lanmedia/work/pipeline"
	"lanmedia/work/profiles"
)

var (
	// ErrUnsupportedFormat is returned when the pipeline cannot produce the
	// negotiated codec and container.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")

	// ErrTooManySessions is returned when the live-session cap is reached.
	ErrTooManySessions = errors.New("too many streaming sessions")

	// ErrSessionClosed is returned when attaching to a session that is
	// draining or closed.
	ErrSessionClosed = errors.New("session closed")
)

const (
	reasonDrained  = "drained"
	reasonEnded    = "ended"
	reasonIdle     = "idle"
	reasonClosed   = "closed"
	reasonShutdown = "shutdown"
	reasonFailed   = "failed"
)

// Options bound the manager.
type Options struct {
	MaxStreams     int
	LivenessWindow time.Duration
	SweepInterval  time.Duration
	OpenTimeout    time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxStreams <= 0 {
		o.MaxStreams = 64
	}
	if o.LivenessWindow <= 0 {
		o.LivenessWindow = 30 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Second
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 15 * time.Second
	}
}

// ProfileResolver maps a profile token back to its delivery profile.
type ProfileResolver interface {
	ProfileByToken(token string) (profiles.DeliveryProfile, bool)
}

// Request asks for a stream of one catalog item.
type Request struct {
	SourcePath string

	// Token names the negotiated profile. When empty the target is chosen by
	// Params.Suffix.
	Token string

	Kind            profiles.Kind
	Source          profiles.Source
	Params          Params
	ClientSignature string
}

// Signature condenses a client id and its address into the reuse key part
// that tells clients apart.
func Signature(clientID, remoteHost string) string {
	sum := blake2b.Sum256([]byte(clientID + "\x00" + remoteHost))
	return hex.EncodeToString(sum[:8])
}

func sessionKey(source, profile, signature string, params Params) string {
	return source + "\x00" + profile + "\x00" + signature + "\x00" + params.key()
}

// Manager owns the live-session index.
type Manager struct {
	opts     Options
	profiles ProfileResolver
	pipe     pipeline.Pipeline
	pool     *ants.Pool
	log      *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	index *xsync.MapOf[string, *Session]
	byID  *xsync.MapOf[string, *Session]
	live  atomic.Int64

	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewManager creates a manager. Pipelines are opened on pool.
func NewManager(opts Options, resolver ProfileResolver, pipe pipeline.Pipeline, pool *ants.Pool, log *logger.Logger, m *metrics.Metrics) *Manager {
	opts.setDefaults()
	if m == nil {
		m = metrics.New(nil)
	}
	return &Manager{
		opts:     opts,
		profiles: resolver,
		pipe:     pipe,
		pool:     pool,
		log:      log,
		metrics:  m,
		now:      time.Now,
		index:    xsync.NewMapOf[string, *Session](),
		byID:     xsync.NewMapOf[string, *Session](),
	}
}

// Open returns a session for req, reusing a live one for the same source,
// profile, playback parameters and client signature. reused reports whether the session already
// existed. The caller must Attach an output to the returned session.
func (m *Manager) Open(ctx context.Context, req Request) (*Session, bool, error) {
	if m.closed.Load() {
		return nil, false, ErrSessionClosed
	}

	var t target
	if req.Token != "" {
		p, ok := m.profiles.ProfileByToken(req.Token)
		if !ok {
			m.metrics.SessionErrors.WithLabelValues("unknown_profile").Inc()
			return nil, false, fmt.Errorf("token %q: %w", req.Token, profiles.ErrUnknownProfile)
		}
		t = targetForProfile(p, req.Params.apply(p.Kind, req.Source))
	} else {
		var err error
		if t, err = targetForSuffix(req.Kind, req.Params.Suffix, req.Params.apply(req.Kind, req.Source)); err != nil {
			m.metrics.SessionErrors.WithLabelValues("unsupported_format").Inc()
			return nil, false, err
		}
	}

	key := sessionKey(req.SourcePath, t.name, req.ClientSignature, req.Params)

	var (
		created *Session
		found   *Session
		full    bool
	)
	m.index.Compute(key, func(old *Session, loaded bool) (*Session, bool) {
		if loaded {
			switch old.State() {
			case StateNegotiating:
				found = old
				return old, false
			case StateActive, StateReused:
				if old.reserve(true) {
					old.state.CompareAndSwap(int32(StateActive), int32(StateReused))
					found = old
					return old, false
				}
			}
			// a draining session is replaced; it removes only itself
		}

		if m.live.Add(1) > int64(m.opts.MaxStreams) {
			m.live.Add(-1)
			full = true
			if loaded {
				return old, false
			}
			return nil, true
		}

		created = m.newSession(key, req, t)
		return created, false
	})

	switch {
	case full:
		m.metrics.SessionErrors.WithLabelValues("too_many_sessions").Inc()
		return nil, false, ErrTooManySessions

	case found != nil:
		if found.State() == StateNegotiating {
			return m.await(ctx, found)
		}
		m.metrics.SessionsReused.WithLabelValues(found.profile).Inc()
		m.log.Debug("{session/manager - Open} reusing session %s for %s", found.id, req.SourcePath)
		return found, true, nil
	}

	m.byID.Store(created.id, created)
	m.metrics.SessionsActive.Set(float64(m.live.Load()))

	open := func() { m.openPipeline(created) }
	if m.pool == nil {
		go open()
	} else if err := m.pool.Submit(open); err != nil {
		m.log.Warn("{session/manager - Open} worker pool rejected open: %v", err)
		m.fail(created, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err), "pool_rejected")
	}

	select {
	case <-created.ready:
	case <-ctx.Done():
		// nobody will attach for this caller; hand its reservation back once
		// the open settles
		go func() {
			<-created.ready
			if created.err == nil {
				created.release()
			}
		}()
		return nil, false, ctx.Err()
	}
	if created.err != nil {
		return nil, false, created.err
	}
	return created, false, nil
}

func (m *Manager) newSession(key string, req Request, t target) *Session {
	s := &Session{
		id:      uuid.NewString(),
		key:     key,
		source:  req.SourcePath,
		profile: t.name,
		mime:    t.mime,
		spec:    buildSpec(req.SourcePath, t, req.Source, req.Params),
		created: m.now(),
		mgr:     m,
		ready:   make(chan struct{}),
		outputs: make(map[*Output]struct{}),
	}
	s.state.Store(int32(StateNegotiating))
	s.touch(s.created)
	return s
}

// await blocks until a placeholder created by another request has been
// opened or failed. A successful wait holds a reservation for the caller.
func (m *Manager) await(ctx context.Context, s *Session) (*Session, bool, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	if s.err != nil {
		return nil, false, s.err
	}
	if !s.reserve(false) {
		return nil, false, ErrSessionClosed
	}
	s.state.CompareAndSwap(int32(StateActive), int32(StateReused))
	m.metrics.SessionsReused.WithLabelValues(s.profile).Inc()
	return s, true, nil
}

func (m *Manager) openPipeline(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.OpenTimeout)
	defer cancel()

	h, err := m.pipe.Open(ctx, s.spec)
	if err != nil {
		m.log.Error("{session/manager - openPipeline} session %s: open %s for %s: %v", s.id, s.profile, s.source, err)
		m.fail(s, fmt.Errorf("%s: %w: %v", s.profile, ErrUnsupportedFormat, err), "unsupported_format")
		return
	}

	if m.closed.Load() {
		h.Close()
		m.fail(s, ErrSessionClosed, "shutdown")
		return
	}

	s.mu.Lock()
	s.handle = h
	// the opener holds the first reservation
	s.reserved++
	s.mu.Unlock()
	s.touch(m.now())
	s.state.Store(int32(StateActive))
	close(s.ready)

	m.metrics.SessionsCreated.WithLabelValues(s.profile).Inc()
	m.log.Info("{session/manager - openPipeline} session %s: %s -> %s", s.id, s.source, s.profile)
}

// fail rolls back a placeholder that never became active.
func (m *Manager) fail(s *Session, err error, errType string) {
	s.err = err
	s.state.Store(int32(StateClosed))
	m.forget(s, reasonFailed)
	m.metrics.SessionErrors.WithLabelValues(errType).Inc()
	close(s.ready)
}

// forget removes s from the index if it is still the entry for its key. It
// runs once per session.
func (m *Manager) forget(s *Session, reason string) {
	m.index.Compute(s.key, func(old *Session, loaded bool) (*Session, bool) {
		if loaded && old == s {
			return old, true
		}
		return old, !loaded
	})
	m.byID.Delete(s.id)
	m.live.Add(-1)
	m.metrics.SessionsActive.Set(float64(m.live.Load()))
	m.metrics.SessionsClosed.WithLabelValues(reason).Inc()
	m.log.Debug("{session/manager - forget} session %s closed (%s)", s.id, reason)
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, error) {
	s, ok := m.byID.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns a snapshot of every session in the index, oldest first.
func (m *Manager) List() []Info {
	var out []Info
	m.byID.Range(func(_ string, s *Session) bool {
		out = append(out, s.Info())
		return true
	})
	slices.SortFunc(out, func(a, b Info) int {
		return cmp.Or(a.Created.Compare(b.Created), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Len returns the number of sessions in the index.
func (m *Manager) Len() int {
	return m.index.Size()
}

// Close drains one session.
func (m *Manager) Close(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.close(reasonClosed, ErrSessionClosed)
	return nil
}

// Sweep closes every live session whose pipeline stopped or that saw no
// activity within the liveness window. It returns the number closed.
func (m *Manager) Sweep(now time.Time) int {
	var idle []*Session
	m.index.Range(func(_ string, s *Session) bool {
		if !s.live() {
			return true
		}
		s.mu.Lock()
		h := s.handle
		s.mu.Unlock()
		if (h != nil && !h.Active()) || now.Sub(s.LastActivity()) > m.opts.LivenessWindow {
			idle = append(idle, s)
		}
		return true
	})

	for _, s := range idle {
		m.log.Info("{session/manager - Sweep} session %s idle since %s, closing", s.id, s.LastActivity().Format(time.RFC3339))
		s.close(reasonIdle, ErrSessionClosed)
	}
	return len(idle)
}

// Run sweeps periodically until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(m.now()); n > 0 {
				m.log.Debug("{session/manager - Run} sweep closed %d sessions", n)
			}
		}
	}
}

// Shutdown closes every session and waits for their pumps to stop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closed.Store(true)

	var all []*Session
	m.index.Range(func(_ string, s *Session) bool {
		all = append(all, s)
		return true
	})
	for _, s := range all {
		if s.State() == StateNegotiating {
			continue
		}
		s.close(reasonShutdown, ErrSessionClosed)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
