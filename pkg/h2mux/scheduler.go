package h2mux

import "time"

// Task is a scheduled unit of work that can be cancelled before it fires.
type Task interface {
	// Cancel stops the task; it reports whether the task had not fired yet.
	Cancel() bool
}

// Scheduler provides delayed execution for idle timeouts. The engine never
// assumes a particular implementation; tests substitute manual schedulers.
type Scheduler interface {
	Schedule(delay time.Duration, task func()) Task
}

// NewStdScheduler returns a Scheduler backed by the runtime timers.
func NewStdScheduler() Scheduler { return stdScheduler{} }

type stdScheduler struct{}

func (stdScheduler) Schedule(delay time.Duration, task func()) Task {
	return timerTask{timer: time.AfterFunc(delay, task)}
}

type timerTask struct {
	timer *time.Timer
}

func (t timerTask) Cancel() bool { return t.timer.Stop() }
