// Package circuit tracks tracker host liveness. A host whose connection
// attempt fails is marked dead and skipped until its cool-down expires, after
// which a single trial request is let through.
package circuit

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// State represents the breaker state of one host
type State int

const (
	// StateClosed - host is considered alive
	StateClosed State = iota
	// StateOpen - host is dead and skipped
	StateOpen
	// StateHalfOpen - cool-down expired, one trial request may go through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains breaker configuration
type Config struct {
	// Cooldown is how long a host stays dead after tripping.
	Cooldown time.Duration `yaml:"cooldown"`

	// FailureThreshold is the number of consecutive failures that trips the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// OnStateChange is called when a host changes state.
	OnStateChange func(host string, from State, to State) `yaml:"-"`

	// Now overrides the clock, for tests.
	Now func() time.Time `yaml:"-"`
}

// counts holds the outcome counters of one host
type counts struct {
	requests            uint32
	totalFailures       uint32
	consecutiveFailures uint32
	lastActivity        time.Time
}

// Breaker guards a single tracker host
type Breaker struct {
	host   string
	config Config

	mu     sync.Mutex
	state  State
	counts counts
	expiry time.Time
	trial  bool
}

// NewBreaker creates a breaker for host
func NewBreaker(host string, config Config) *Breaker {
	if config.Cooldown <= 0 {
		config.Cooldown = 5 * time.Second
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 1
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Breaker{
		host:   host,
		config: config,
		state:  StateClosed,
	}
}

// Execute runs fn if the host is usable and records its outcome. When the
// host is dead, fn is not called and ErrOpenState is returned.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Now()
	switch b.currentState(now) {
	case StateOpen:
		return ErrOpenState
	case StateHalfOpen:
		if b.trial {
			return ErrTooManyRequests
		}
		b.trial = true
	}

	b.counts.requests++
	b.counts.lastActivity = now
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Now()
	state := b.currentState(now)
	b.trial = false

	if err == nil {
		b.counts.consecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.totalFailures++
	b.counts.consecutiveFailures++

	switch state {
	case StateClosed:
		if b.counts.consecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// currentState moves an open breaker to half-open once its cool-down expired.
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && !b.expiry.After(now) {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	prev := b.state
	if prev == state {
		return
	}

	b.state = state
	switch state {
	case StateOpen:
		b.expiry = now.Add(b.config.Cooldown)
	case StateClosed:
		b.counts = counts{lastActivity: b.counts.lastActivity}
		b.expiry = time.Time{}
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.host, prev, state)
	}
}

// State returns the current state of the host
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.config.Now())
}

// Host returns the host the breaker guards
func (b *Breaker) Host() string {
	return b.host
}

var (
	// ErrOpenState is returned when the host is marked dead
	ErrOpenState = errors.New("tracker host marked dead")

	// ErrTooManyRequests is returned when a trial request is already in flight
	ErrTooManyRequests = errors.New("tracker host trial request already in flight")
)

// Set holds one breaker per tracker host
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewSet creates an empty breaker set sharing config
func NewSet(config Config) *Set {
	return &Set{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

// Get gets or creates the breaker for host
func (s *Set) Get(host string) *Breaker {
	s.mu.RLock()
	if b, ok := s.breakers[host]; ok {
		s.mu.RUnlock()
		return b
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[host]; ok {
		return b
	}
	b := NewBreaker(host, s.config)
	s.breakers[host] = b
	return b
}

// Dead returns the hosts currently marked dead, sorted
func (s *Set) Dead() []string {
	s.mu.RLock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.RUnlock()

	var dead []string
	for _, b := range breakers {
		if b.State() == StateOpen {
			dead = append(dead, b.Host())
		}
	}
	sort.Strings(dead)
	return dead
}

// HealthCheck returns an error naming dead hosts, if any
func (s *Set) HealthCheck() error {
	if dead := s.Dead(); len(dead) > 0 {
		return fmt.Errorf("tracker hosts dead: %v", dead)
	}
	return nil
}
