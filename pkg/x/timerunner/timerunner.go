package timerunner

import (
	"context"
	"time"
)

type TimeRunner interface {
	// RunWithin requests that the function run no later than t from now
	RunWithin(t time.Duration)
	// Done returns a channel that is closed once the runner has stopped
	Done() <-chan struct{}
}

type timerunner struct {
	ctx      context.Context
	nextRun  time.Time
	reqChan  chan time.Duration
	f        func()
	periodic time.Duration
	done     chan struct{}
}

// Periodic modifies New to run the function every period, measured from the end of the previous run
func Periodic(period time.Duration) func(*timerunner) {
	return func(tr *timerunner) {
		tr.periodic = period
	}
}

// AtStart modifies New to run the function once immediately at startup
func AtStart(tr *timerunner) {
	tr.nextRun = time.Now()
}

// New returns a TimeRunner which executes f at the requested times, in its own goroutine, until ctx is
// cancelled.  Runs never overlap.
func New(ctx context.Context, f func(), mods ...func(*timerunner)) TimeRunner {
	tr := &timerunner{
		ctx:     ctx,
		reqChan: make(chan time.Duration),
		f:       f,
		done:    make(chan struct{}),
	}
	for _, mod := range mods {
		mod(tr)
	}
	if tr.periodic > 0 && tr.nextRun.IsZero() {
		tr.nextRun = time.Now().Add(tr.periodic)
	}
	go tr.mainLoop()
	return tr
}

func (tr *timerunner) mainLoop() {
	defer close(tr.done)
	for {
		// a zero nextRun means nothing is scheduled
		var timerC <-chan time.Time
		var timer *time.Timer
		if !tr.nextRun.IsZero() {
			timer = time.NewTimer(time.Until(tr.nextRun))
			timerC = timer.C
		}
		select {
		case <-tr.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-timerC:
			tr.f()
			tr.nextRun = time.Time{}
			if tr.periodic > 0 {
				tr.nextRun = time.Now().Add(tr.periodic)
			}
		case req := <-tr.reqChan:
			reqNext := time.Now().Add(req)
			if tr.nextRun.IsZero() || reqNext.Before(tr.nextRun) {
				tr.nextRun = reqNext
			}
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (tr *timerunner) RunWithin(t time.Duration) {
	go func() {
		// run in a goroutine so that f itself may call RunWithin
		select {
		case <-tr.ctx.Done():
		case tr.reqChan <- t:
		}
	}()
}

func (tr *timerunner) Done() <-chan struct{} {
	return tr.done
}
