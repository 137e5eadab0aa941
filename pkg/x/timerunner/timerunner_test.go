package timerunner

import (
	"context"
	"testing"
	"time"

	"github.com/ghjm/golib/pkg/syncro"
	"go.uber.org/goleak"
)

func makeTestRunner() (func(), func() []time.Time) {
	times := syncro.Var[[]time.Time]{}
	return func() {
		times.WorkWith(func(tp *[]time.Time) {
			*tp = append(*tp, time.Now())
		})
	}, times.Get
}

func waitDone(t *testing.T, tr TimeRunner) {
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatalf("time runner did not stop")
	}
}

func TestTimeRunner(t *testing.T) {
	defer goleak.VerifyNone(t)
	f, getTimes := makeTestRunner()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := New(ctx, f)
	tr.RunWithin(200 * time.Millisecond)
	tr.RunWithin(time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	cancel()
	waitDone(t, tr)
	time.Sleep(200 * time.Millisecond)
	times := getTimes()
	if len(times) != 1 {
		t.Fatalf("function ran %d times, expecting 1", len(times))
	}
}

func TestPeriodic(t *testing.T) {
	defer goleak.VerifyNone(t)
	f, getTimes := makeTestRunner()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := New(ctx, f, Periodic(10*time.Millisecond), AtStart)
	time.Sleep(100 * time.Millisecond)
	cancel()
	waitDone(t, tr)
	times := getTimes()
	if len(times) < 3 {
		t.Fatalf("function ran %d times, expecting several", len(times))
	}
	for i := 1; i < len(times); i++ {
		if times[i].Sub(times[i-1]) < 10*time.Millisecond {
			t.Errorf("runs %d and %d were closer than the period", i-1, i)
		}
	}
}

func TestNothingScheduled(t *testing.T) {
	defer goleak.VerifyNone(t)
	f, getTimes := makeTestRunner()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := New(ctx, f)
	time.Sleep(50 * time.Millisecond)
	cancel()
	waitDone(t, tr)
	if n := len(getTimes()); n != 0 {
		t.Fatalf("function ran %d times without a request", n)
	}
}
