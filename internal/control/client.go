// Package control is the page-context half of the offline cache controller.
// It attaches to the interceptor over the bus, tracks update availability and
// wraps every control-plane command with a bounded timeout. It never touches
// generation stores directly.
package control

import (
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"offcache/internal/bus"
)

// Options configure a client.
type Options struct {
	// Origin is the page origin; registration requires a secure context
	// (loopback or https).
	Origin string
	// CommandTimeout bounds status and clear commands.
	CommandTimeout time.Duration
	// ForceUpdateTimeout bounds the force-update command, which rebuilds the
	// full asset set.
	ForceUpdateTimeout time.Duration
	// Reload is invoked by ResetAll after clearing and deregistering. The
	// application supplies its own page-reload equivalent.
	Reload func()
}

// CacheStatus is the application-facing cache snapshot.
type CacheStatus struct {
	CurrentVersion   string
	Exists           bool
	EntryCount       int
	OwnedGenerations []string
	Environment      string
}

type Client struct {
	bus  *bus.Bus
	opts Options
	log  logrus.FieldLogger

	mu         sync.Mutex
	registered bool
	subID      uuid.UUID
	stopCh     chan struct{}
	wg         sync.WaitGroup

	activeVersion string
	seenVersions  map[string]struct{}
	updateCbs     []func(version string)
}

func NewClient(b *bus.Bus, opts Options, logger logrus.FieldLogger) *Client {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 4 * time.Second
	}
	if opts.ForceUpdateTimeout <= 0 {
		opts.ForceUpdateTimeout = 15 * time.Second
	}
	return &Client{
		bus:          b,
		opts:         opts,
		log:          logger.WithField("component", "control"),
		seenVersions: map[string]struct{}{},
	}
}

// Install attaches the client to the interceptor. Without a secure context it
// degrades gracefully: the client stays disabled and every command reports
// failure, meaning "no offline support".
func (c *Client) Install() bool {
	return c.Register()
}

// Register is the underlying attach operation behind Install.
func (c *Client) Register() bool {
	if !isSecureContext(c.opts.Origin) {
		c.log.WithField("origin", c.opts.Origin).Warn("insecure context, offline support disabled")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return true
	}
	id, events := c.bus.Subscribe()
	c.subID = id
	c.stopCh = make(chan struct{})
	c.registered = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watch(events)
	}()
	return true
}

// Deregister detaches the client from the interceptor.
func (c *Client) Deregister() {
	c.mu.Lock()
	if !c.registered {
		c.mu.Unlock()
		return
	}
	c.registered = false
	id := c.subID
	close(c.stopCh)
	c.mu.Unlock()

	c.bus.Unsubscribe(id)
	c.wg.Wait()
}

// OnUpdateAvailable registers a callback fired once per newly installed
// generation while a prior generation is active.
func (c *Client) OnUpdateAvailable(cb func(version string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateCbs = append(c.updateCbs, cb)
}

func (c *Client) watch(events <-chan bus.Event) {
	for {
		select {
		case <-c.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.observe(ev)
		}
	}
}

func (c *Client) observe(ev bus.Event) {
	c.mu.Lock()
	switch ev.Kind {
	case bus.Activated:
		c.activeVersion = ev.Version
		c.mu.Unlock()
		return
	case bus.Installed:
		if c.activeVersion == "" || c.activeVersion == ev.Version {
			c.mu.Unlock()
			return
		}
		if _, dup := c.seenVersions[ev.Version]; dup {
			c.mu.Unlock()
			return
		}
		c.seenVersions[ev.Version] = struct{}{}
		cbs := make([]func(string), len(c.updateCbs))
		copy(cbs, c.updateCbs)
		c.mu.Unlock()

		c.log.WithField("new_version", ev.Version).Info("update available")
		for _, cb := range cbs {
			cb(ev.Version)
		}
		return
	}
	c.mu.Unlock()
}

// command sends one control-plane command and races the reply against the
// timeout. A reply that never arrives resolves as failure inside the bound,
// never later; the server-side operation may still complete, which is safe
// because every command is idempotent.
func (c *Client) command(t bus.CommandType, timeout time.Duration) (bus.Reply, bool) {
	c.mu.Lock()
	enabled := c.registered
	c.mu.Unlock()
	if !enabled {
		return bus.Reply{}, false
	}

	cmd := bus.Command{
		ID:    uuid.New(),
		Type:  t,
		Reply: make(chan bus.Reply, 1),
	}
	if !c.bus.Send(cmd) {
		c.log.WithField("command", t.String()).Warn("command channel unavailable")
		return bus.Reply{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rep := <-cmd.Reply:
		if rep.ID != cmd.ID {
			c.log.WithField("command", t.String()).Warn("mismatched reply correlation")
			return bus.Reply{}, false
		}
		return rep, rep.Success
	case <-timer.C:
		c.log.WithField("command", t.String()).Warn("command timed out")
		return bus.Reply{}, false
	}
}

// GetStatus returns the interceptor's status snapshot, or nil on failure.
func (c *Client) GetStatus() *bus.Status {
	rep, ok := c.command(bus.GetStatus, c.opts.CommandTimeout)
	if !ok {
		return nil
	}
	return rep.Status
}

// GetCacheStatus returns the cache view of the status snapshot.
func (c *Client) GetCacheStatus() *CacheStatus {
	st := c.GetStatus()
	if st == nil {
		return nil
	}
	return &CacheStatus{
		CurrentVersion:   st.CurrentVersion,
		Exists:           st.CurrentGenerationExists,
		EntryCount:       st.EntryCount,
		OwnedGenerations: st.OwnedGenerationNames,
		Environment:      st.Environment,
	}
}

// ClearCache deletes every cache store regardless of owner.
func (c *Client) ClearCache() bool {
	_, ok := c.command(bus.ClearAll, c.opts.CommandTimeout)
	return ok
}

// ClearAppCache deletes only this application's generations.
func (c *Client) ClearAppCache() bool {
	_, ok := c.command(bus.ClearOwned, c.opts.CommandTimeout)
	return ok
}

// ForceUpdate rebuilds the current generation from the origin.
func (c *Client) ForceUpdate() bool {
	_, ok := c.command(bus.ForceUpdate, c.opts.ForceUpdateTimeout)
	return ok
}

// Promote activates a waiting generation immediately instead of waiting for
// natural handover.
func (c *Client) Promote() bool {
	_, ok := c.command(bus.PromoteWaiting, c.opts.CommandTimeout)
	return ok
}

// ResetAll is the last-resort recovery path: clear every store, detach
// entirely, then reload the page.
func (c *Client) ResetAll() {
	c.ClearCache()
	c.Deregister()
	if c.opts.Reload != nil {
		c.opts.Reload()
	}
}

// isSecureContext mirrors the browser rule: loopback hosts count as secure,
// anything else needs encrypted transport.
func isSecureContext(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme == "https" {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
