package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kass/go-crowd-monitor/pkg/cooldown"
	"github.com/kass/go-crowd-monitor/pkg/density"
	"github.com/kass/go-crowd-monitor/pkg/geo"
	"github.com/kass/go-crowd-monitor/pkg/location"
	"github.com/kass/go-crowd-monitor/pkg/models"
	"github.com/kass/go-crowd-monitor/pkg/safezone"
	"github.com/kass/go-crowd-monitor/pkg/source"
	"github.com/kass/go-crowd-monitor/pkg/trend"
)

// SpikeSink receives every spike event for hand-off outside the process.
type SpikeSink interface {
	PublishSpike(ctx context.Context, event models.SpikeEvent) error
}

type fetchRequest struct {
	seq    uint64
	coord  models.Coordinate
	radius models.Radius
}

type fetchResult struct {
	fetchRequest
	sample models.Sample
	tier   models.DensityTier
	zone   *models.SafeZone
	label  string
	err    error
}

// session is one monitoring session. All mutable state below the loop marker
// is owned by the run goroutine; other goroutines reach it through do.
type session struct {
	id         Handle
	cfg        Config
	provider   location.Provider
	source     source.Source
	advisor    safezone.Advisor
	spikes     SpikeSink
	geocoder   location.ReverseGeocoder
	classifier *density.Classifier
	now        func() time.Time
	log        *zap.Logger

	// loop
	tracker     *trend.Tracker
	cooldown    *cooldown.Timer
	radius      models.Radius
	dispatched  uint64
	applied     uint64
	sequence    uint64
	last        *models.Snapshot
	lastSpikeAt *time.Time
	onSnapshot  []func(models.Snapshot)
	onSpike     []func(models.SpikeEvent)
	onCooldown  []func(models.CooldownState)

	seconds  *time.Ticker
	ctx      context.Context
	cancel   context.CancelFunc
	commands chan func()
	results  chan fetchResult
	done     chan struct{}
	workers  sync.WaitGroup
	stopOnce sync.Once
	closeErr error
}

type sessionDeps struct {
	source   source.Source
	advisor  safezone.Advisor
	spikes   SpikeSink
	geocoder location.ReverseGeocoder
	now      func() time.Time
}

func validateStart(radius models.Radius, provider location.Provider) error {
	if !radius.Valid() {
		return models.InvalidConfigurationf("engine: unsupported radius %dm", radius)
	}
	if provider == nil {
		return models.InvalidConfigurationf("engine: coordinate provider is required")
	}
	if c, ok := provider.Current(); ok {
		if err := geo.Validate(c); err != nil {
			return eris.Wrap(err, "engine: start")
		}
	}
	return nil
}

func newSession(ctx context.Context, id Handle, cfg Config, deps sessionDeps, radius models.Radius, provider location.Provider) (*session, error) {
	if err := validateStart(radius, provider); err != nil {
		return nil, err
	}
	if deps.source == nil {
		return nil, models.InvalidConfigurationf("engine: sample source is required")
	}
	classifier, err := density.NewClassifier(cfg.Thresholds)
	if err != nil {
		return nil, eris.Wrap(err, "engine: new session")
	}
	if deps.advisor == nil {
		deps.advisor = safezone.NewOffset(safezone.DefaultOffsetDegrees)
	}
	if deps.now == nil {
		deps.now = time.Now
	}

	sctx, cancel := context.WithCancel(ctx)
	return &session{
		id:         id,
		cfg:        cfg,
		provider:   provider,
		source:     deps.source,
		advisor:    deps.advisor,
		spikes:     deps.spikes,
		geocoder:   deps.geocoder,
		classifier: classifier,
		now:        deps.now,
		log:        zap.L().With(zap.String("handle", id.String())),
		tracker:    trend.NewTracker(cfg.Trend),
		cooldown:   cooldown.New(),
		radius:     radius,
		ctx:        sctx,
		cancel:     cancel,
		commands:   make(chan func()),
		results:    make(chan fetchResult),
		done:       make(chan struct{}),
	}, nil
}

// run is the session loop. It returns when the session context is cancelled,
// after every in-flight fetch has finished and the source is released.
func (s *session) run() {
	defer close(s.done)
	defer s.release()

	samples := time.NewTicker(s.cfg.SamplePeriod)
	defer samples.Stop()
	s.seconds = time.NewTicker(cooldownPeriod)
	defer s.seconds.Stop()

	s.tick()
	for {
		var event func()
		select {
		case <-s.ctx.Done():
			return
		case <-samples.C:
			event = s.tick
		case <-s.seconds.C:
			event = s.tickCooldown
		case res := <-s.results:
			event = func() { s.apply(res) }
		case cmd := <-s.commands:
			event = cmd
		}
		// A stop request wins over anything that became ready alongside it
		if s.ctx.Err() != nil {
			return
		}
		event()
	}
}

func (s *session) release() {
	s.workers.Wait()
	if closer, ok := s.source.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.closeErr = eris.Wrap(err, "engine: release source")
		}
	}
	s.log.Debug("engine: session released")
}

// stop cancels the session and waits until the loop has exited. No callback
// runs once it returns. It must not be called from a subscriber callback.
func (s *session) stop() error {
	s.stopOnce.Do(s.cancel)
	<-s.done
	return s.closeErr
}

// do runs fn on the loop goroutine and waits for it to finish.
func (s *session) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case s.commands <- func() { fn(); close(finished) }:
	case <-s.done:
		return eris.Wrapf(models.ErrStopped, "engine: session %s", s.id)
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return eris.Wrapf(models.ErrStopped, "engine: session %s", s.id)
	}
}

func (s *session) tick() {
	if req, ok := s.next(); ok {
		s.dispatch(req)
	}
}

// next reads the coordinate and allocates the next fetch. Without a coordinate
// the tick is skipped, fetches still in flight are invalidated and any active
// safe zone is withdrawn.
func (s *session) next() (fetchRequest, bool) {
	coord, ok := s.provider.Current()
	if ok {
		if err := geo.Validate(coord); err != nil {
			s.log.Warn("engine: provider returned an invalid coordinate", zap.Error(err))
			ok = false
		}
	}
	if !ok {
		s.log.Debug("engine: skipping tick", zap.Error(models.ErrCoordinateUnavailable))
		// Results for the lost coordinate must not publish a safe zone later
		s.applied = s.dispatched
		s.withdrawSafeZone()
		return fetchRequest{}, false
	}

	s.dispatched++
	return fetchRequest{seq: s.dispatched, coord: coord, radius: s.radius}, true
}

func (s *session) dispatch(req fetchRequest) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		res := s.fetch(req)
		select {
		case s.results <- res:
		case <-s.ctx.Done():
		}
	}()
}

// fetch runs off the loop: it pulls the sample, classifies it and asks the
// advisor, none of which touch session state.
func (s *session) fetch(req fetchRequest) fetchResult {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.fetchTimeout())
	defer cancel()

	res := fetchResult{fetchRequest: req}
	sample, err := s.source.Fetch(ctx, req.coord, req.radius)
	if err != nil {
		res.err = err
		return res
	}
	if sample.Count < 0 {
		res.err = eris.Wrapf(models.ErrSampleUnavailable, "engine: negative count %d", sample.Count)
		return res
	}
	if !sample.Radius.Valid() {
		sample.Radius = req.radius
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now()
	}
	res.sample = sample

	baseline := density.BaselineFor(sample.Radius, s.cfg.PeoplePerMeter)
	res.tier = s.classifier.Classify(sample.Count, baseline)

	if res.tier == models.Heavy {
		zone, err := s.advisor.Suggest(ctx, &req.coord, res.tier)
		if err != nil {
			s.log.Warn("engine: safe zone lookup failed", zap.Error(err))
		}
		res.zone = zone
	}
	res.label = location.Label(ctx, s.geocoder, req.coord)
	return res
}

// apply advances the tracker with a fetched sample and publishes a snapshot.
// Results older than the last applied one are dropped so snapshots stay in
// tick order.
func (s *session) apply(res fetchResult) {
	if res.seq <= s.applied {
		s.log.Debug("engine: discarding out-of-order sample",
			zap.Uint64("seq", res.seq), zap.Uint64("applied", s.applied))
		return
	}
	s.applied = res.seq

	if res.err != nil {
		s.log.Debug("engine: skipping tick", zap.Error(res.err))
		return
	}

	sample := res.sample
	obs := s.tracker.Observe(sample.Count, sample.Timestamp)
	if obs.IsSpike {
		at := sample.Timestamp
		s.lastSpikeAt = &at
		s.emitSpike(models.SpikeEvent{
			Handle:    s.id.String(),
			Timestamp: sample.Timestamp,
			Count:     sample.Count,
			Delta:     obs.Delta,
			Radius:    sample.Radius,
			Density:   res.tier,
			Location:  res.coord,
		})
	}

	s.publish(models.Snapshot{
		Radius:   sample.Radius,
		Density:  res.tier,
		Count:    sample.Count,
		Trend:    obs.Trend,
		SafeZone: res.zone,
		Label:    res.label,
		TakenAt:  sample.Timestamp,
	})
}

func (s *session) publish(snap models.Snapshot) {
	s.sequence++
	snap.Sequence = s.sequence
	snap.History = s.tracker.History()
	snap.Cooldown = s.cooldown.State()
	snap.LastSpikeAt = nil
	if s.lastSpikeAt != nil {
		at := *s.lastSpikeAt
		snap.LastSpikeAt = &at
	}
	s.last = &snap

	for _, fn := range s.onSnapshot {
		fn(snap)
	}
}

func (s *session) withdrawSafeZone() {
	if s.last == nil || s.last.SafeZone == nil {
		return
	}
	snap := *s.last
	snap.SafeZone = nil
	s.publish(snap)
}

func (s *session) emitSpike(event models.SpikeEvent) {
	s.log.Info("engine: crowd spike",
		zap.Int("count", event.Count),
		zap.Int("delta", event.Delta),
		zap.String("density", string(event.Density)))

	for _, fn := range s.onSpike {
		fn(event)
	}
	if s.spikes == nil {
		return
	}

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), publishTimeout)
		defer cancel()
		if err := s.spikes.PublishSpike(ctx, event); err != nil {
			s.log.Warn("engine: spike hand-off failed", zap.Error(err))
		}
	}()
}

func (s *session) tickCooldown() {
	if s.cooldown.IsReady() {
		return
	}
	s.cooldown.Tick()
	s.notifyCooldown()
}

func (s *session) raiseAlert() bool {
	accepted := s.cooldown.Arm(s.cfg.CooldownSeconds)
	if !accepted {
		s.log.Debug("engine: alert suppressed", zap.Int("remaining", s.cooldown.State().RemainingSeconds))
		return false
	}
	s.log.Info("engine: alert raised", zap.Int("cooldown", s.cfg.CooldownSeconds))
	// Count whole seconds from the moment of arming
	if s.seconds != nil {
		s.seconds.Reset(cooldownPeriod)
	}
	s.notifyCooldown()
	return true
}

func (s *session) notifyCooldown() {
	state := s.cooldown.State()
	for _, fn := range s.onCooldown {
		fn(state)
	}
}

func (s *session) snapshot() (models.Snapshot, bool) {
	if s.last == nil {
		return models.Snapshot{}, false
	}
	snap := *s.last
	snap.Cooldown = s.cooldown.State()
	return snap, true
}
