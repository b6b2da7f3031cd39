package engine

import (
	"time"
)

func (e *Engine) loop() {
	defer close(e.bg)
	next := time.Now().Add(e.opts.MaintainInterval)
	for {
		if s, ok := e.dead.DequeueTimeout(e.opts.ReapInterval); ok {
			e.reap(s)
			continue
		}
		if e.ctx.Err() != nil {
			return
		}
		if now := time.Now(); !now.Before(next) {
			e.maintain()
			next = now.Add(e.opts.MaintainInterval)
		}
	}
}
