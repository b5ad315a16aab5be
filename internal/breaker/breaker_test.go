package breaker

import (
	"errors"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

var errBoom = errors.New("boom")

func failing() error    { return errBoom }
func succeeding() error { return nil }

func TestClosedSuccessResetsFailureCount(t *testing.T) {
	b := New("test", 3, time.Minute)

	if err := b.Execute(failing); !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := b.Execute(failing); !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := b.Execute(succeeding); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	st := b.Status()
	if st.FailureCount != 0 {
		t.Fatalf("expected failure count reset to 0, got %d", st.FailureCount)
	}
	if b.State() != Closed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestOpensAtThreshold(t *testing.T) {
	b := New("test", 3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := b.Execute(failing); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected boom, got %v", i, err)
		}
	}
	if b.State() != Open {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}

	// While open, the op must not be invoked.
	invoked := false
	err := b.Execute(func() error {
		invoked = true
		return nil
	})
	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OpenError, got %v", err)
	}
	if invoked {
		t.Fatal("op invoked while breaker open")
	}
	if oe.RetryAfter <= 0 || oe.RetryAfter > time.Minute {
		t.Fatalf("unexpected RetryAfter %v", oe.RetryAfter)
	}
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := New("test", 2, time.Second, WithClock(clock.now))

	_ = b.Execute(failing)
	_ = b.Execute(failing)
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	clock.advance(1001 * time.Millisecond)

	ran := false
	if err := b.Execute(func() error { ran = true; return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if !ran {
		t.Fatal("probe op not invoked")
	}
	st := b.Status()
	if st.State != "closed" || st.FailureCount != 0 {
		t.Fatalf("expected closed with 0 failures, got %+v", st)
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New("test", 1, time.Second, WithClock(clock.now))

	_ = b.Execute(failing)
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	clock.advance(time.Second)
	if err := b.Execute(failing); !errors.Is(err, errBoom) {
		t.Fatalf("expected boom from probe, got %v", err)
	}
	if b.State() != Open {
		t.Fatalf("expected re-open after failed probe, got %s", b.State())
	}

	// The timeout restarts from the probe failure.
	clock.advance(500 * time.Millisecond)
	var oe *OpenError
	if err := b.Execute(succeeding); !errors.As(err, &oe) {
		t.Fatalf("expected OpenError before timeout, got %v", err)
	}
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := newFakeClock()
	b := New("test", 1, time.Second, WithClock(clock.now))

	_ = b.Execute(failing)
	clock.advance(time.Second)

	// First caller becomes the probe and blocks inside the op.
	probeStarted := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Execute(func() error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	// A second caller during the probe must fail fast without invoking op.
	invoked := false
	err := b.Execute(func() error {
		invoked = true
		return nil
	})
	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OpenError during in-flight probe, got %v", err)
	}
	if invoked {
		t.Fatal("second op invoked while probe in flight")
	}

	close(release)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("expected closed after probe success, got %s", b.State())
	}

	// The probe slot is released: calls run again.
	if err := b.Execute(succeeding); err != nil {
		t.Fatalf("post-probe call failed: %v", err)
	}
}

func TestFilteredProbeErrorReleasesProbeSlot(t *testing.T) {
	benign := errors.New("benign")
	clock := newFakeClock()
	b := New("test", 1, time.Second,
		WithClock(clock.now),
		WithFailurePredicate(func(err error) bool { return !errors.Is(err, benign) }))

	_ = b.Execute(failing)
	clock.advance(time.Second)

	// The probe returns a filtered error: state stays HalfOpen.
	if err := b.Execute(func() error { return benign }); !errors.Is(err, benign) {
		t.Fatalf("expected benign error, got %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half_open after filtered probe error, got %s", b.State())
	}

	// The next call must be admitted as a fresh probe.
	ran := false
	if err := b.Execute(func() error { ran = true; return nil }); err != nil {
		t.Fatalf("second probe failed: %v", err)
	}
	if !ran {
		t.Fatal("second probe not invoked")
	}
	if b.State() != Closed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestListenerSeesTransitions(t *testing.T) {
	clock := newFakeClock()
	b := New("db", 1, time.Second, WithClock(clock.now))

	type hop struct{ from, to State }
	var hops []hop
	b.OnStateChange(func(name string, from, to State) {
		if name != "db" {
			t.Errorf("unexpected breaker name %q", name)
		}
		hops = append(hops, hop{from, to})
	})

	_ = b.Execute(failing) // closed -> open
	clock.advance(time.Second)
	_ = b.Execute(succeeding) // open -> half_open -> closed

	want := []hop{{Closed, Open}, {Open, HalfOpen}, {HalfOpen, Closed}}
	if len(hops) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %v", len(want), len(hops), hops)
	}
	for i, w := range want {
		if hops[i] != w {
			t.Fatalf("transition %d: expected %v->%v, got %v->%v", i, w.from, w.to, hops[i].from, hops[i].to)
		}
	}
}

func TestReset(t *testing.T) {
	b := New("test", 1, time.Hour)
	_ = b.Execute(failing)
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	b.Reset()
	if b.State() != Closed {
		t.Fatalf("expected closed after reset, got %s", b.State())
	}
	if err := b.Execute(succeeding); err != nil {
		t.Fatalf("expected success after reset, got %v", err)
	}
}

func TestFailurePredicateSkipsFilteredErrors(t *testing.T) {
	benign := errors.New("benign")
	b := New("test", 1, time.Hour, WithFailurePredicate(func(err error) bool {
		return !errors.Is(err, benign)
	}))

	if err := b.Execute(func() error { return benign }); !errors.Is(err, benign) {
		t.Fatalf("expected benign error propagated, got %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("filtered error tripped breaker: %s", b.State())
	}

	if err := b.Execute(failing); !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}
}

func TestPresets(t *testing.T) {
	cases := []struct {
		b         *Breaker
		threshold int
		timeout   time.Duration
	}{
		{ForDatabase("mongodb"), 5, 60 * time.Second},
		{ForCache("redis"), 2, 10 * time.Second},
		{ForExternalAPI("scoring"), 3, 30 * time.Second},
	}
	for _, tc := range cases {
		if tc.b.threshold != tc.threshold {
			t.Errorf("%s: expected threshold %d, got %d", tc.b.Name(), tc.threshold, tc.b.threshold)
		}
		if tc.b.resetTimeout != tc.timeout {
			t.Errorf("%s: expected timeout %v, got %v", tc.b.Name(), tc.timeout, tc.b.resetTimeout)
		}
	}
}

// End-to-end: open on two failures, fail fast, recover after the timeout.
func TestOpenAndRecoverCycle(t *testing.T) {
	clock := newFakeClock()
	b := New("test", 2, time.Second, WithClock(clock.now))

	_ = b.Execute(failing)
	_ = b.Execute(failing)
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	var oe *OpenError
	if err := b.Execute(succeeding); !errors.As(err, &oe) {
		t.Fatalf("expected OpenError, got %v", err)
	}
	if oe.RetryAfter > time.Second {
		t.Fatalf("RetryAfter %v exceeds reset timeout", oe.RetryAfter)
	}

	clock.advance(1001 * time.Millisecond)

	got := ""
	err := b.Execute(func() error { got = "ok"; return nil })
	if err != nil || got != "ok" {
		t.Fatalf("expected probe success, got err=%v result=%q", err, got)
	}
	st := b.Status()
	if st.State != "closed" || st.FailureCount != 0 {
		t.Fatalf("expected closed/0, got %+v", st)
	}
}
