package interceptor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"offcache/internal/bus"
	"offcache/internal/config"
	"offcache/internal/version"
)

// Manager owns the generation lifecycle. It is the only writer of lifecycle
// transitions; request mediation and the control plane go through it.
type Manager struct {
	cfg   *config.Config
	log   logrus.FieldLogger
	dir   *StoreDir
	fetch *originFetcher
	bus   *bus.Bus

	versionString  string
	maxGenerations int
	keepOnlyActive bool

	mu         sync.Mutex
	active     *GenStore
	waiting    *GenStore
	installing *GenStore
}

func NewManager(cfg *config.Config, log logrus.FieldLogger, dir *StoreDir, fetch *originFetcher, b *bus.Bus, versionString string) *Manager {
	return &Manager{
		cfg:            cfg,
		log:            log.WithField("component", "generation"),
		dir:            dir,
		fetch:          fetch,
		bus:            b,
		versionString:  versionString,
		maxGenerations: cfg.Cache.MaxGenerations,
		keepOnlyActive: cfg.Environment() == config.Production,
	}
}

func (m *Manager) VersionString() string { return m.versionString }

func (m *Manager) generationName() string {
	return version.GenerationName(m.cfg.App.Name, m.versionString)
}

// Active returns the currently active generation, or nil.
func (m *Manager) Active() *GenStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// AdoptExisting reopens a persisted active generation from a previous run so
// mediation can serve from it before (and while) the current build installs.
func (m *Manager) AdoptExisting() {
	names, err := m.dir.ListOwned(version.OwnedPrefix(m.cfg.App.Name))
	if err != nil {
		m.log.WithError(err).Warn("list generations")
		return
	}
	for _, name := range names {
		g, err := m.dir.Open(name)
		if err != nil {
			continue
		}
		if g.Status() == StatusActive {
			m.mu.Lock()
			m.active = g
			m.mu.Unlock()
			m.log.WithField("generation", name).Info("adopted active generation")
			return
		}
	}
}

// Install builds the generation for the current version: static manifest
// first, then assets discovered from the entry document, then the entry
// document itself under both its canonical path and the root path. Per-asset
// failures are logged and skipped; only a store-level failure aborts.
func (m *Manager) Install(ctx context.Context) (*GenStore, error) {
	name := m.generationName()
	st, err := m.dir.Open(name)
	if err != nil {
		return nil, err
	}
	if err := st.SetStatus(StatusInstalling); err != nil {
		return nil, fmt.Errorf("mark installing: %w", err)
	}
	m.mu.Lock()
	m.installing = st
	m.mu.Unlock()

	fetched := map[string]CacheEntry{}
	for _, path := range m.cfg.Cache.StaticManifest {
		ent, err := m.fetch.Fetch(ctx, path)
		if err != nil || !isSuccess(ent.Status) {
			m.log.WithField("asset", path).WithError(err).Warn("static asset skipped")
			continue
		}
		fetched[entryKey(path)] = ent
	}
	if err := st.PutBatch(fetched); err != nil {
		// Bulk write failed; retry each entry so a single bad record cannot
		// take the whole manifest down with it.
		m.log.WithError(err).Warn("manifest batch write failed, retrying per entry")
		for key, ent := range fetched {
			if perr := st.Put(key, ent); perr != nil {
				m.log.WithField("key", key).WithError(perr).Warn("static asset write skipped")
			}
		}
	}

	m.installEntryDocument(ctx, st)

	if _, err := m.Prune(); err != nil {
		m.log.WithError(err).Warn("prune after install")
	}

	m.bus.Publish(bus.Event{
		Kind:        bus.Installed,
		Version:     m.versionString,
		Name:        name,
		Environment: string(m.cfg.Environment()),
	})
	m.log.WithFields(logrus.Fields{"generation": name, "entries": st.Count()}).Info("generation installed")
	return st, nil
}

// installEntryDocument fetches the navigable entry document, stores it under
// its canonical path and "/", and best-effort fetches every asset it links.
// A fetch failure here skips discovery but never fails the install.
func (m *Manager) installEntryDocument(ctx context.Context, st *GenStore) {
	entryPath := m.cfg.Cache.EntryDocument
	doc, err := m.fetch.Fetch(ctx, entryPath)
	if err != nil || !isSuccess(doc.Status) {
		m.log.WithField("document", entryPath).WithError(err).Warn("entry document unavailable, skipping asset discovery")
		return
	}

	if err := st.Put(entryKey(entryPath), doc); err != nil {
		m.log.WithError(err).Warn("entry document write skipped")
	}
	if entryPath != "/" {
		if err := st.Put(entryKey("/"), doc); err != nil {
			m.log.WithError(err).Warn("root alias write skipped")
		}
	}

	for _, path := range scanAssets(doc.Body, m.cfg.OriginURL()) {
		if m.neverCached(path) {
			continue
		}
		ent, err := m.fetch.Fetch(ctx, path)
		if err != nil || !isSuccess(ent.Status) {
			m.log.WithField("asset", path).WithError(err).Warn("discovered asset skipped")
			continue
		}
		if err := st.Put(entryKey(path), ent); err != nil {
			m.log.WithField("asset", path).WithError(err).Warn("discovered asset write skipped")
		}
	}
}

// neverCached guards install against writing entries for paths the mediator
// classifies as never-cached (passthrough and icon classes).
func (m *Manager) neverCached(path string) bool {
	for _, p := range m.cfg.Patterns.Passthrough {
		if path == p {
			return true
		}
	}
	for _, p := range m.cfg.Patterns.Icons {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Activate makes gen the single active generation, superseding any previous
// one, and broadcasts the transition. The takeover happens before the prune
// pass so the prune never considers the incoming generation disposable.
func (m *Manager) Activate(gen *GenStore) {
	m.mu.Lock()
	prev := m.active
	m.active = gen
	if m.installing == gen {
		m.installing = nil
	}
	if m.waiting == gen {
		m.waiting = nil
	}
	m.mu.Unlock()

	if prev != nil && prev != gen {
		if err := prev.SetStatus(StatusSuperseded); err != nil {
			m.log.WithError(err).Warn("supersede previous generation")
		}
	}
	if err := gen.SetStatus(StatusActive); err != nil {
		m.log.WithError(err).Warn("mark active")
	}

	if _, err := m.Prune(); err != nil {
		m.log.WithError(err).Warn("prune on activate")
	}

	m.bus.Publish(bus.Event{
		Kind:        bus.Activated,
		Version:     m.versionString,
		Name:        gen.Name(),
		Environment: string(m.cfg.Environment()),
	})
	m.log.WithField("generation", gen.Name()).Info("generation activated")
}

// MarkWaiting parks an installed generation until promotion or natural
// handover.
func (m *Manager) MarkWaiting(gen *GenStore) {
	if err := gen.SetStatus(StatusWaiting); err != nil {
		m.log.WithError(err).Warn("mark waiting")
	}
	m.mu.Lock()
	m.waiting = gen
	if m.installing == gen {
		m.installing = nil
	}
	m.mu.Unlock()
}

// PromoteWaiting activates the waiting generation, if any. Safe to call when
// nothing is waiting.
func (m *Manager) PromoteWaiting() {
	m.mu.Lock()
	w := m.waiting
	m.mu.Unlock()
	if w == nil {
		return
	}
	m.Activate(w)
}

// Prune deletes owned generations beyond the retention window. Generations
// sort by their embedded version string, newest first. In production only the
// current active/installing generation survives.
func (m *Manager) Prune() (int, error) {
	appName := m.cfg.App.Name
	names, err := m.dir.ListOwned(version.OwnedPrefix(appName))
	if err != nil {
		return 0, err
	}
	sort.Slice(names, func(i, j int) bool {
		vi := version.FromGenerationName(appName, names[i])
		vj := version.FromGenerationName(appName, names[j])
		return version.Compare(vi, vj) > 0
	})

	m.mu.Lock()
	protected := map[string]struct{}{}
	for _, g := range []*GenStore{m.active, m.installing, m.waiting} {
		if g != nil {
			protected[g.Name()] = struct{}{}
		}
	}
	m.mu.Unlock()

	deleted := 0
	for i, name := range names {
		drop := i >= m.maxGenerations
		if m.keepOnlyActive {
			if _, keep := protected[name]; !keep {
				drop = true
			}
		}
		if !drop {
			continue
		}
		if _, keep := protected[name]; keep {
			continue
		}
		if err := m.deleteGeneration(name); err != nil {
			m.log.WithField("generation", name).WithError(err).Warn("prune delete failed")
			continue
		}
		deleted++
	}
	if deleted > 0 {
		m.log.WithField("deleted", deleted).Debug("pruned generations")
	}
	return deleted, nil
}

func (m *Manager) deleteGeneration(name string) error {
	m.mu.Lock()
	if m.active != nil && m.active.Name() == name {
		m.active = nil
	}
	if m.waiting != nil && m.waiting.Name() == name {
		m.waiting = nil
	}
	if m.installing != nil && m.installing.Name() == name {
		m.installing = nil
	}
	m.mu.Unlock()
	return m.dir.Delete(name)
}

// ForceUpdate deletes the current generation, reinstalls it from the origin
// and activates the result. Partial asset loss during the rebuild does not
// fail the operation.
func (m *Manager) ForceUpdate(ctx context.Context) (string, error) {
	if err := m.deleteGeneration(m.generationName()); err != nil {
		return "", fmt.Errorf("delete current generation: %w", err)
	}
	st, err := m.Install(ctx)
	if err != nil {
		return "", err
	}
	m.Activate(st)
	if _, err := m.Prune(); err != nil {
		m.log.WithError(err).Warn("prune after force update")
	}
	return m.versionString, nil
}

// ClearOwned deletes every generation owned by this application.
func (m *Manager) ClearOwned() (int, error) {
	names, err := m.dir.ListOwned(version.OwnedPrefix(m.cfg.App.Name))
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, name := range names {
		if err := m.deleteGeneration(name); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}

// ClearAll deletes every store in the data directory regardless of owner.
func (m *Manager) ClearAll() (int, error) {
	m.mu.Lock()
	m.active, m.waiting, m.installing = nil, nil, nil
	m.mu.Unlock()
	return m.dir.DeleteAll()
}

// Status snapshots the generation state for the control plane.
func (m *Manager) Status() *bus.Status {
	names, err := m.dir.ListOwned(version.OwnedPrefix(m.cfg.App.Name))
	if err != nil {
		m.log.WithError(err).Warn("status list")
	}
	st := &bus.Status{
		CurrentVersion:       m.versionString,
		OwnedGenerationNames: names,
		Environment:          string(m.cfg.Environment()),
	}
	current := m.generationName()
	if m.dir.Exists(current) {
		st.CurrentGenerationExists = true
		if g, err := m.dir.Open(current); err == nil {
			st.EntryCount = g.Count()
		}
	}
	return st
}
