package acquisition

import (
	"math"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEstimator() (*FPSEstimator, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	e := &FPSEstimator{now: clock.now}
	e.Reset()
	return e, clock
}

func TestFPSRateIsWindowed(t *testing.T) {
	e, clock := newTestEstimator()

	for i := 0; i < 30; i++ {
		e.Tick()
	}
	clock.advance(time.Second)
	if got := e.Rate(); math.Abs(got-30) > 1e-9 {
		t.Fatalf("first window rate = %v, want 30", got)
	}

	for i := 0; i < 10; i++ {
		e.Tick()
	}
	clock.advance(2 * time.Second)
	if got := e.Rate(); math.Abs(got-5) > 1e-9 {
		t.Errorf("second window rate = %v, want 5", got)
	}

	// 40 frames over 3 seconds overall
	if got := e.Average(); math.Abs(got-40.0/3) > 1e-9 {
		t.Errorf("average = %v, want %v", got, 40.0/3)
	}
	if e.Total() != 40 {
		t.Errorf("total = %d, want 40", e.Total())
	}
}

func TestFPSRateTooSoonKeepsPrevious(t *testing.T) {
	e, clock := newTestEstimator()

	for i := 0; i < 10; i++ {
		e.Tick()
	}
	clock.advance(500 * time.Millisecond)
	first := e.Rate()

	e.Tick()
	if got := e.Rate(); got != first {
		t.Errorf("rate with no elapsed time = %v, want previous %v", got, first)
	}
}

func TestFPSReset(t *testing.T) {
	e, clock := newTestEstimator()
	e.Tick()
	clock.advance(time.Second)
	e.Reset()

	if e.Total() != 0 || e.Average() != 0 {
		t.Errorf("after reset: total=%d average=%v", e.Total(), e.Average())
	}
}
