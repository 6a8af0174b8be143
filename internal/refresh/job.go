// Package refresh schedules photo dispatches: each enabled refresh job
// periodically asks the selector for a photo and posts it to its
// display agent.
package refresh

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cadreworks/cadre/internal/filter"
)

// Job is one named dispatch schedule from this Expo to one agent.
type Job struct {
	ID             int64
	Identifier     string
	DisplayName    string
	Hostname       string
	Schedule       string
	Enabled        bool
	Filter         filter.Expr
	Order          filter.Order
	AfficheOptions map[string]any
	PostCommandID  string

	runner *runner
}

// message rewrites the next run (refresh after delay) or stops the
// runner. The runner mirrors the collection worker loop so both sides
// share one cron notation and one timezone behavior.
type message struct {
	stop         bool
	refreshDelay time.Duration
}

// misfireGrace bounds how late a fire may run; overlapping overdue
// instants collapse into one skipped tick.
const misfireGrace = time.Minute

type runner struct {
	job      *Job
	manager  *Manager
	log      *zap.Logger
	schedule cron.Schedule
	ctrl     chan message
	done     chan struct{}

	stopRequested  bool
	pendingRefresh *time.Time
}

func startRunner(job *Job, manager *Manager, log *zap.Logger) *runner {
	r := &runner{
		job:     job,
		manager: manager,
		log:     log.With(zap.String("job", job.Identifier)),
		ctrl:    make(chan message, 16),
		done:    make(chan struct{}),
	}

	if job.Schedule != "" {
		schedule, err := cron.ParseStandard(job.Schedule)
		if err != nil {
			r.log.Error("invalid schedule", zap.String("schedule", job.Schedule), zap.Error(err))
		} else {
			r.schedule = schedule
		}
	}

	go r.run()
	return r
}

func (r *runner) stop() {
	r.ctrl <- message{stop: true}
	<-r.done
}

func (r *runner) requestRefresh(delay time.Duration) {
	r.ctrl <- message{refreshDelay: delay}
}

func (r *runner) run() {
	defer close(r.done)

	for !r.stopRequested {
		next, ok := r.nextFire()

		var timer <-chan time.Time
		if ok {
			timer = time.After(time.Until(next))
		}

		select {
		case msg := <-r.ctrl:
			if msg.stop {
				r.stopRequested = true
				continue
			}
			// A manual refresh rewrites the next run outright.
			deadline := time.Now().Add(msg.refreshDelay)
			r.pendingRefresh = &deadline
		case <-timer:
			r.pendingRefresh = nil
			if overdue := time.Since(next); overdue > misfireGrace {
				r.log.Warn("skipping overdue fire", zap.Duration("overdue", overdue))
				continue
			}
			r.fire()
		}
	}
}

func (r *runner) nextFire() (time.Time, bool) {
	if r.pendingRefresh != nil {
		return *r.pendingRefresh, true
	}
	if r.schedule != nil {
		return r.schedule.Next(time.Now()), true
	}
	return time.Time{}, false
}

func (r *runner) fire() {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("refresh panicked", zap.Any("panic", rec), zap.Stack("stack"))
		}
	}()

	r.log.Info("running refresh job")
	if err := r.manager.dispatch(r.job); err != nil {
		r.log.Error("failed to post an image to the display agent", zap.Error(err))
	}
}
