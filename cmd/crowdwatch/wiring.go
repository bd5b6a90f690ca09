package main

import (
	"context"
	"io"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kass/go-crowd-monitor/internal/config"
	"github.com/kass/go-crowd-monitor/pkg/engine"
	"github.com/kass/go-crowd-monitor/pkg/location"
	"github.com/kass/go-crowd-monitor/pkg/models"
	"github.com/kass/go-crowd-monitor/pkg/postgis"
	"github.com/kass/go-crowd-monitor/pkg/publisher"
	"github.com/kass/go-crowd-monitor/pkg/rtree"
	"github.com/kass/go-crowd-monitor/pkg/safezone"
	"github.com/kass/go-crowd-monitor/pkg/source"
)

// services holds everything a monitor command opened, released in reverse.
type services struct {
	manager *engine.Manager
	mqtt    mqtt.Client
	closers []io.Closer
}

func (r *services) Close() {
	if r.manager != nil {
		if err := r.manager.Shutdown(); err != nil {
			zap.L().Warn("shutdown sessions", zap.Error(err))
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			zap.L().Warn("release resource", zap.Error(err))
		}
	}
	if r.mqtt != nil {
		r.mqtt.Disconnect(250)
	}
}

func buildServices(ctx context.Context, cfg *config.Config) (*services, error) {
	rt := &services{}

	if cfg.Source.Kind == config.SourceMQTT {
		client, err := config.NewMQTT(cfg.Source.MQTT)
		if err != nil {
			return nil, err
		}
		rt.mqtt = client
	}

	advisor, err := buildAdvisor(ctx, cfg, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}

	opts := engine.Options{
		NewSource: sourceFactory(cfg, rt.mqtt),
		Advisor:   advisor,
	}

	if cfg.Publisher.AMQPURL != "" {
		pub, err := publisher.Dial(cfg.Publisher.AMQPURL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, pub)
		opts.Spikes = pub
	}

	manager, err := engine.NewManager(cfg.Engine(), opts)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.manager = manager
	return rt, nil
}

// sourceFactory hands every session its own source. MQTT sessions share one
// subscription and cache through per-session readers.
func sourceFactory(cfg *config.Config, client mqtt.Client) func() (source.Source, error) {
	if cfg.Source.Kind == config.SourceMQTT {
		feed := source.NewMQTT(client, cfg.Source.MQTT.Topic, cfg.Source.MQTT.MaxAge)
		return func() (source.Source, error) {
			reader, err := feed.Open()
			if err != nil {
				return nil, err
			}
			return reader, nil
		}
	}

	var sessions atomic.Int64
	return func() (source.Source, error) {
		return source.NewSimulated(cfg.Source.Seed+sessions.Add(1),
			source.WithJitter(cfg.Source.Jitter),
			source.WithPeoplePerMeter(cfg.Density.PeoplePerMeter),
		), nil
	}
}

func buildAdvisor(ctx context.Context, cfg *config.Config, rt *services) (safezone.Advisor, error) {
	offset := safezone.NewOffset(cfg.SafeZone.OffsetDegrees)

	switch cfg.SafeZone.Kind {
	case config.SafeZoneRTree:
		index := rtree.NewCellIndex()
		if err := index.LoadFromFile(cfg.SafeZone.CellsFile); err != nil {
			return nil, eris.Wrapf(err, "load cells from %s", cfg.SafeZone.CellsFile)
		}
		zap.L().Info("cell index loaded", zap.Int64("cells", index.Count()))
		return safezone.NewIndexed(index, offset, cfg.SafeZone.SearchMeters, cfg.Density.Thresholds, cfg.Density.PeoplePerMeter), nil

	case config.SafeZonePostGIS:
		store, err := postgis.NewCellStore(cfg.PostGIS.DSN)
		if err != nil {
			return nil, err
		}
		if err := store.InitSchema(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, store)
		return safezone.NewIndexed(store, offset, cfg.SafeZone.SearchMeters, cfg.Density.Thresholds, cfg.Density.PeoplePerMeter), nil

	default:
		return offset, nil
	}
}

// buildProvider prefers an explicit coordinate and otherwise follows live
// fixes from the broker.
func buildProvider(rt *services, cfg *config.Config, lat, lng float64, manual bool) (location.Provider, *location.Live, error) {
	if manual {
		p, err := location.NewManual(models.Coordinate{Lat: lat, Lng: lng})
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	}
	if rt.mqtt == nil {
		return nil, nil, eris.New("no position: pass --lat and --lng, or use the mqtt source for live fixes")
	}

	live := location.NewLive()
	sub := location.NewFixSubscriber(rt.mqtt, cfg.Source.MQTT.FixTopic, live)
	if err := sub.Start(); err != nil {
		return nil, nil, err
	}
	rt.closers = append(rt.closers, sub)
	return live, live, nil
}
