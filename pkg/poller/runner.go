package poller

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

type stateBox struct{ v atomic.Int32 }

func (b *stateBox) load() State { return State(b.v.Load()) }

func (b *stateBox) move(from, to State) bool {
	return b.v.CompareAndSwap(int32(from), int32(to))
}

func (w *Worker) State() State { return w.state.load() }

// Start moves the worker from Idle to Running and begins polling on a new
// goroutine: one cycle immediately, then one per Interval. Polling ends when
// ctx is done or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()
	if !w.state.move(Idle, Running) {
		return fmt.Errorf("poller: camera %d: cannot start from %s", w.cfg.Camera, w.State())
	}
	w.started = true
	go w.run(ctx)
	return nil
}

// Stop ends polling and waits for the goroutine to exit; no Event is sent
// after Stop returns. An in-flight capture is allowed to finish. Stop on an
// idle worker only marks it stopped. Concurrent calls all wait.
func (w *Worker) Stop() {
	w.lifeMu.Lock()
	if w.state.move(Idle, Stopped) || !w.started {
		w.lifeMu.Unlock()
		return
	}
	if w.state.move(Running, Stopped) {
		close(w.stop)
	}
	w.lifeMu.Unlock()
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if w.halted(ctx) {
			return
		}
		if ev, ok := w.PollOnce(); ok {
			select {
			case w.out <- ev:
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ticker.C:
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) halted(ctx context.Context) bool {
	select {
	case <-w.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
