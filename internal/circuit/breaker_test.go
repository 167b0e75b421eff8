package circuit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

var errDial = errors.New("connection refused")

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF_OPEN"},
		{State(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State.String() = %q, want %q", got, tt.want)
		}
	}
}

func TestNewBreaker_Defaults(t *testing.T) {
	t.Parallel()

	b := NewBreaker("10.0.0.1:7001", Config{})
	if b.Host() != "10.0.0.1:7001" {
		t.Errorf("Host() = %q", b.Host())
	}
	if b.config.Cooldown != 5*time.Second {
		t.Errorf("default Cooldown = %v, want 5s", b.config.Cooldown)
	}
	if b.config.FailureThreshold != 1 {
		t.Errorf("default FailureThreshold = %d, want 1", b.config.FailureThreshold)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v", b.State())
	}
}

func TestBreaker_FailureMarksHostDead(t *testing.T) {
	t.Parallel()

	clock := newClock()
	b := NewBreaker("h", Config{Cooldown: 5 * time.Second, Now: clock.Now})

	if err := b.Execute(func() error { return errDial }); !errors.Is(err, errDial) {
		t.Fatalf("Execute() error = %v, want dial error", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.State())
	}
	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpenState) {
		t.Errorf("Execute() on dead host = %v, want ErrOpenState", err)
	}
	if called {
		t.Error("fn must not run while the host is dead")
	}
}

func TestBreaker_CooldownAllowsSingleTrial(t *testing.T) {
	t.Parallel()

	clock := newClock()
	b := NewBreaker("h", Config{Cooldown: 5 * time.Second, Now: clock.Now})
	_ = b.Execute(func() error { return errDial })

	clock.Advance(4 * time.Second)
	if b.State() != StateOpen {
		t.Fatalf("state before cool-down = %v", b.State())
	}

	clock.Advance(time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state after cool-down = %v, want HALF_OPEN", b.State())
	}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Execute(func() error { close(started); <-release; return nil })
	}()

	<-started
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("second trial = %v, want ErrTooManyRequests", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial error = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state after successful trial = %v, want CLOSED", b.State())
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	t.Parallel()

	clock := newClock()
	b := NewBreaker("h", Config{Cooldown: time.Second, Now: clock.Now})
	_ = b.Execute(func() error { return errDial })
	clock.Advance(time.Second)

	_ = b.Execute(func() error { return errDial })
	if b.State() != StateOpen {
		t.Errorf("state = %v, want OPEN", b.State())
	}
}

func TestBreaker_Threshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker("h", Config{FailureThreshold: 3})
	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errDial })
	}
	if b.State() != StateClosed {
		t.Fatalf("state after 2 failures = %v, want CLOSED", b.State())
	}
	_ = b.Execute(func() error { return nil })
	b.mu.Lock()
	c := b.counts
	b.mu.Unlock()
	if c.consecutiveFailures != 0 || c.totalFailures != 2 || c.requests != 3 {
		t.Errorf("counts = %+v", c)
	}
	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errDial })
	}
	if b.State() != StateOpen {
		t.Errorf("state after 3 consecutive failures = %v, want OPEN", b.State())
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	clock := newClock()
	var transitions []State
	b := NewBreaker("h", Config{Cooldown: time.Second, Now: clock.Now, OnStateChange: func(host string, from, to State) {
		if host != "h" {
			t.Errorf("host = %q", host)
		}
		transitions = append(transitions, to)
	}})

	_ = b.Execute(func() error { return errDial })
	clock.Advance(time.Second)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute() after cool-down = %v", err)
	}

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestSet(t *testing.T) {
	t.Parallel()

	clock := newClock()
	s := NewSet(Config{Cooldown: time.Minute, Now: clock.Now})
	a := s.Get("a:7001")
	if s.Get("a:7001") != a {
		t.Error("Get() should return the same breaker for a host")
	}
	_ = s.Get("b:7001").Execute(func() error { return errDial })
	_ = s.Get("c:7001").Execute(func() error { return errDial })

	dead := s.Dead()
	if len(dead) != 2 || dead[0] != "b:7001" || dead[1] != "c:7001" {
		t.Errorf("Dead() = %v", dead)
	}
	if err := s.HealthCheck(); err == nil {
		t.Error("HealthCheck() = nil with dead hosts")
	}

	clock.Advance(time.Minute)
	if len(s.Dead()) != 0 {
		t.Errorf("Dead() after cool-down = %v", s.Dead())
	}
	if err := s.HealthCheck(); err != nil {
		t.Errorf("HealthCheck() = %v", err)
	}
}

func TestSet_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := NewSet(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b := s.Get("shared:7001")
			_ = b.Execute(func() error {
				if i%2 == 0 {
					return errDial
				}
				return nil
			})
			_ = b.State()
		}(i)
	}
	wg.Wait()
}
