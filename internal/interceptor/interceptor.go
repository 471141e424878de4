// Package interceptor is the isolated half of the offline cache controller.
// It owns the generation lifecycle, mediates requests against the origin, and
// answers control-plane commands. It shares no state with page-side clients;
// everything crosses the bus as copyable payloads.
package interceptor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"offcache/internal/bus"
	"offcache/internal/config"
	"offcache/internal/version"
)

type Interceptor struct {
	cfg *config.Config
	log logrus.FieldLogger

	dir      *StoreDir
	fetch    *originFetcher
	mgr      *Manager
	mediator *Mediator
	resp     *responder

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New assembles the interceptor. The version string is computed once here
// from the configured app version, the current time and fresh entropy; it
// never changes for the lifetime of the process.
func New(cfg *config.Config, logger *logrus.Logger, b *bus.Bus) (*Interceptor, error) {
	entropy, err := version.NewEntropy()
	if err != nil {
		return nil, err
	}
	vs, err := version.Compute(cfg.App.Version, time.Now().UnixMilli(), entropy, cfg.App.Release)
	if err != nil {
		return nil, err
	}

	dir, err := OpenDir(cfg.Cache.DataDir)
	if err != nil {
		return nil, err
	}

	log := logger.WithField("version", vs)
	fetch := newOriginFetcher(cfg.OriginURL())
	mgr := NewManager(cfg, log, dir, fetch, b, vs)
	mgr.AdoptExisting()

	it := &Interceptor{
		cfg:      cfg,
		log:      log,
		dir:      dir,
		fetch:    fetch,
		mgr:      mgr,
		mediator: NewMediator(cfg, log, mgr, fetch),
		resp:     newResponder(mgr, log, b, cfg.ForceUpdateTimeout()),
		stopCh:   make(chan struct{}),
	}

	// Natural handover: when the last client detaches, a waiting generation
	// takes over without an explicit promotion command.
	b.OnLastDetach = mgr.PromoteWaiting

	it.wg.Add(1)
	go func() {
		defer it.wg.Done()
		it.resp.run()
	}()

	if every := cfg.StatsInterval(); every > 0 {
		it.wg.Add(1)
		go func() {
			defer it.wg.Done()
			it.statsLoop(every)
		}()
	}
	return it, nil
}

func (it *Interceptor) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-it.stopCh:
			return
		case <-t.C:
			ss := it.mediator.Stats()
			entries := 0
			if gen := it.mgr.Active(); gen != nil {
				entries = gen.Count()
			}
			it.log.WithFields(logrus.Fields{
				"served":      ss.TotalResponses,
				"cache_hits":  ss.CacheHits,
				"entries":     entries,
				"resp_min":    formatBytes(ss.MinRespBytes),
				"resp_avg":    formatBytes(ss.AvgRespBytes),
				"resp_max":    formatBytes(ss.MaxRespBytes),
				"total_bytes": formatBytes(ss.TotalRespBytes),
			}).Info("serving stats")
		}
	}
}

// Bootstrap installs the generation for the current build. If no generation
// is active yet it activates immediately; otherwise the new generation waits
// for promotion or natural handover. Install failure is non-fatal: mediation
// degrades to network pass-through behavior until a retry succeeds.
func (it *Interceptor) Bootstrap(ctx context.Context) error {
	gen, err := it.mgr.Install(ctx)
	if err != nil {
		it.log.WithError(err).Error("generation install failed")
		return err
	}
	if prev := it.mgr.Active(); prev == nil || prev == gen {
		it.mgr.Activate(gen)
	} else {
		it.mgr.MarkWaiting(gen)
	}
	return nil
}

// Handler returns the request-mediation entry point.
func (it *Interceptor) Handler() http.Handler {
	return it.mediator
}

// Manager exposes the generation manager for assembly and tests.
func (it *Interceptor) Manager() *Manager {
	return it.mgr
}

// Close stops the responder, drains background cache writes and releases
// every store handle.
func (it *Interceptor) Close() {
	it.closeOnce.Do(func() {
		close(it.stopCh)
		it.resp.close()
		it.wg.Wait()
		it.mediator.Close()
		it.dir.Close()
	})
}
