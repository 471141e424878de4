package interceptor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"offcache/internal/bus"
)

// responder drains the command channel and answers each command on its own
// reply channel. Commands run concurrently so a slow rebuild never starves a
// status query; every command is idempotent, so a client that timed out and
// retries is harmless.
type responder struct {
	mgr       *Manager
	log       logrus.FieldLogger
	bus       *bus.Bus
	fuTimeout time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newResponder(mgr *Manager, log logrus.FieldLogger, b *bus.Bus, forceUpdateTimeout time.Duration) *responder {
	return &responder{
		mgr:       mgr,
		log:       log.WithField("component", "responder"),
		bus:       b,
		fuTimeout: forceUpdateTimeout,
		stopCh:    make(chan struct{}),
	}
}

func (r *responder) run() {
	for {
		select {
		case <-r.stopCh:
			return
		case cmd := <-r.bus.Commands:
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.handle(cmd)
			}()
		}
	}
}

func (r *responder) close() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *responder) handle(cmd bus.Command) {
	rep := bus.Reply{ID: cmd.ID}

	defer func() {
		if p := recover(); p != nil {
			rep.Success = false
			rep.Err = fmt.Sprintf("command panicked: %v", p)
			r.log.WithField("command", cmd.Type.String()).Error(rep.Err)
		}
		r.reply(cmd, rep)
	}()

	switch cmd.Type {
	case bus.PromoteWaiting:
		r.mgr.PromoteWaiting()
		rep.Success = true

	case bus.ClearAll:
		n, err := r.mgr.ClearAll()
		rep.ClearedCount = n
		rep.Success = err == nil
		if err != nil {
			rep.Err = err.Error()
		}

	case bus.ClearOwned:
		n, err := r.mgr.ClearOwned()
		rep.ClearedCount = n
		rep.Success = err == nil
		if err != nil {
			rep.Err = err.Error()
		}

	case bus.ForceUpdate:
		ctx, cancel := context.WithTimeout(context.Background(), r.fuTimeout)
		defer cancel()
		v, err := r.mgr.ForceUpdate(ctx)
		rep.Version = v
		rep.Success = err == nil
		if err != nil {
			rep.Err = err.Error()
		}

	case bus.GetStatus:
		rep.Status = r.mgr.Status()
		rep.Success = true

	default:
		rep.Err = fmt.Sprintf("unknown command %d", cmd.Type)
	}

	r.log.WithFields(logrus.Fields{
		"command": cmd.Type.String(),
		"id":      cmd.ID,
		"success": rep.Success,
	}).Debug("command handled")
}

// reply answers on the command's dedicated channel. Non-blocking: a caller
// that already timed out and walked away loses the reply, not the responder.
func (r *responder) reply(cmd bus.Command, rep bus.Reply) {
	if cmd.Reply == nil {
		return
	}
	select {
	case cmd.Reply <- rep:
	default:
	}
}
