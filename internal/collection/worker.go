package collection

import (
	"database/sql"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// message is the control protocol of a worker: stop, or run an update
// after a delay.
type message struct {
	stop        bool
	updateDelay time.Duration
}

// worker drives one enabled collection on a dedicated goroutine. A
// panicking strategy takes down its scan, never the service; the
// worker logs and waits for the next schedule tick.
type worker struct {
	col      *Collection
	db       *sql.DB
	log      *zap.Logger
	schedule cron.Schedule
	ctrl     chan message
	done     chan struct{}

	// Owned by the worker goroutine. cancelled() mutates these while a
	// scan is in flight; the main loop reads them between scans.
	stopRequested bool
	pendingUpdate *time.Time
}

func startWorker(col *Collection, db *sql.DB, log *zap.Logger) *worker {
	w := &worker{
		col:  col,
		db:   db,
		log:  log.With(zap.String("collection", col.Identifier)),
		ctrl: make(chan message, 16),
		done: make(chan struct{}),
	}

	if col.Schedule != "" {
		schedule, err := cron.ParseStandard(col.Schedule)
		if err != nil {
			// Schedules are validated at creation; a bad one from an
			// old row degrades to manual updates only.
			w.log.Error("invalid schedule", zap.String("schedule", col.Schedule), zap.Error(err))
		} else {
			w.schedule = schedule
		}
	}

	go w.run()
	return w
}

func (w *worker) stop() {
	w.ctrl <- message{stop: true}
	<-w.done
}

func (w *worker) requestUpdate(delay time.Duration) {
	w.ctrl <- message{updateDelay: delay}
}

func (w *worker) run() {
	defer close(w.done)

	w.log.Info("worker started")
	for !w.stopRequested {
		var timer <-chan time.Time
		if next, ok := w.nextFire(); ok {
			timer = time.After(time.Until(next))
		}

		select {
		case msg := <-w.ctrl:
			if msg.stop {
				w.stopRequested = true
				continue
			}
			deadline := time.Now().Add(msg.updateDelay)
			if w.pendingUpdate == nil || deadline.Before(*w.pendingUpdate) {
				w.pendingUpdate = &deadline
			}
		case <-timer:
			w.pendingUpdate = nil
			w.update()
		}
	}
	w.log.Info("worker stopped")
}

// nextFire is the minimum of the next cron instant and any pending
// manual update deadline. No schedule and no pending update means the
// worker blocks on its control channel indefinitely.
func (w *worker) nextFire() (time.Time, bool) {
	var next time.Time
	if w.schedule != nil {
		next = w.schedule.Next(time.Now())
	}

	if w.pendingUpdate != nil && (next.IsZero() || w.pendingUpdate.Before(next)) {
		next = *w.pendingUpdate
	}

	return next, !next.IsZero()
}

// cancelled polls the control channel without blocking. Both Stop and
// Update end the in-flight scan; the message itself is remembered for
// the main loop.
func (w *worker) cancelled() bool {
	if !w.stopRequested && w.pendingUpdate == nil {
		select {
		case msg := <-w.ctrl:
			if msg.stop {
				w.stopRequested = true
			} else {
				deadline := time.Now().Add(msg.updateDelay)
				w.pendingUpdate = &deadline
			}
		default:
		}
	}

	return w.stopRequested || w.pendingUpdate != nil
}

func (w *worker) update() {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("update panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	w.log.Info("updating")
	started := time.Now()
	if err := w.col.class.Update(w.db, w.col, w.cancelled); err != nil {
		w.log.Error("update failed", zap.Error(err))
		return
	}
	w.log.Info("update finished", zap.Duration("elapsed", time.Since(started)))
}
