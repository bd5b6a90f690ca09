// Package engine runs crowd monitoring sessions: each session samples
// occupancy on a fixed period, classifies and tracks it, and publishes one
// consistent snapshot per tick to its subscribers.
package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kass/go-crowd-monitor/pkg/location"
	"github.com/kass/go-crowd-monitor/pkg/models"
	"github.com/kass/go-crowd-monitor/pkg/safezone"
	"github.com/kass/go-crowd-monitor/pkg/source"
)

// Handle identifies a running session.
type Handle = uuid.UUID

// Options wires the collaborators shared by every session.
type Options struct {
	// NewSource is called once per session; a source implementing io.Closer
	// is closed when the session stops.
	NewSource func() (source.Source, error)
	// Advisor defaults to the offset policy.
	Advisor  safezone.Advisor
	Spikes   SpikeSink
	Geocoder location.ReverseGeocoder
	Clock    func() time.Time
}

// Manager owns the running sessions, keyed by handle.
type Manager struct {
	cfg  Config
	opts Options

	mu       sync.RWMutex
	sessions map[Handle]*session
}

// NewManager validates cfg and returns an empty manager.
func NewManager(cfg Config, opts Options) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.NewSource == nil {
		return nil, models.InvalidConfigurationf("engine: a source factory is required")
	}
	return &Manager{
		cfg:      cfg,
		opts:     opts,
		sessions: make(map[Handle]*session),
	}, nil
}

// Start begins monitoring around the provider's coordinate at radius. The
// session lives until Stop, Shutdown or cancellation of ctx.
func (m *Manager) Start(ctx context.Context, radius models.Radius, provider location.Provider) (Handle, error) {
	if err := validateStart(radius, provider); err != nil {
		return uuid.Nil, err
	}

	src, err := m.opts.NewSource()
	if err != nil {
		return uuid.Nil, eris.Wrap(err, "engine: open source")
	}

	id := uuid.New()
	s, err := newSession(ctx, id, m.cfg, sessionDeps{
		source:   src,
		advisor:  m.opts.Advisor,
		spikes:   m.opts.Spikes,
		geocoder: m.opts.Geocoder,
		now:      m.opts.Clock,
	}, radius, provider)
	if err != nil {
		if closer, ok := src.(io.Closer); ok {
			_ = closer.Close()
		}
		return uuid.Nil, err
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go s.run()
	zap.L().Info("engine: monitoring started", zap.String("handle", id.String()), zap.Int("radius", int(radius)))
	return id, nil
}

// Stop ends the session. Once it returns no callback for h fires again.
func (m *Manager) Stop(h Handle) error {
	m.mu.Lock()
	s, ok := m.sessions[h]
	delete(m.sessions, h)
	m.mu.Unlock()
	if !ok {
		return unknown(h)
	}

	err := s.stop()
	zap.L().Info("engine: monitoring stopped", zap.String("handle", h.String()))
	return err
}

// Shutdown stops every session concurrently.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[Handle]*session)
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(s.stop)
	}
	return g.Wait()
}

// Handles lists the running sessions.
func (m *Manager) Handles() []Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	handles := make([]Handle, 0, len(m.sessions))
	for h := range m.sessions {
		handles = append(handles, h)
	}
	return handles
}

// OnSnapshot subscribes fn to every snapshot of h. Callbacks run on the
// session goroutine and must not call back into the Manager synchronously.
func (m *Manager) OnSnapshot(h Handle, fn func(models.Snapshot)) error {
	s, err := m.session(h)
	if err != nil {
		return err
	}
	return s.do(func() { s.onSnapshot = append(s.onSnapshot, fn) })
}

// OnSpike subscribes fn to the spike events of h.
func (m *Manager) OnSpike(h Handle, fn func(models.SpikeEvent)) error {
	s, err := m.session(h)
	if err != nil {
		return err
	}
	return s.do(func() { s.onSpike = append(s.onSpike, fn) })
}

// OnCooldown subscribes fn to cooldown changes of h: every arm and every
// second of the countdown.
func (m *Manager) OnCooldown(h Handle, fn func(models.CooldownState)) error {
	s, err := m.session(h)
	if err != nil {
		return err
	}
	return s.do(func() { s.onCooldown = append(s.onCooldown, fn) })
}

// SetRadius switches the radius used from the next sample on. History is kept.
func (m *Manager) SetRadius(h Handle, radius models.Radius) error {
	s, err := m.session(h)
	if err != nil {
		return err
	}
	if !radius.Valid() {
		return models.InvalidConfigurationf("engine: unsupported radius %dm", radius)
	}
	return s.do(func() { s.radius = radius })
}

// RaiseAlert arms the alert cooldown. It reports false when an earlier alert
// is still cooling down.
func (m *Manager) RaiseAlert(h Handle) (bool, error) {
	s, err := m.session(h)
	if err != nil {
		return false, err
	}
	var accepted bool
	if err := s.do(func() { accepted = s.raiseAlert() }); err != nil {
		return false, err
	}
	return accepted, nil
}

// Snapshot returns the last published snapshot of h with the current
// cooldown, or false when nothing has been published yet.
func (m *Manager) Snapshot(h Handle) (models.Snapshot, bool, error) {
	s, err := m.session(h)
	if err != nil {
		return models.Snapshot{}, false, err
	}
	var (
		snap models.Snapshot
		ok   bool
	)
	if err := s.do(func() { snap, ok = s.snapshot() }); err != nil {
		return models.Snapshot{}, false, err
	}
	return snap, ok, nil
}

func (m *Manager) session(h Handle) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[h]
	m.mu.RUnlock()
	if !ok {
		return nil, unknown(h)
	}
	return s, nil
}

func unknown(h Handle) error {
	return eris.Wrapf(models.ErrUnknownHandle, "engine: handle %s", h)
}
