package guard

import (
	"errors"
	"sync"
	"time"

	"github.com/suPer8Hu/quote-assistant/internal/clock"
)

const DefaultCooldown = 5 * time.Second

var (
	ErrInFlight = errors.New("guard: a commit is already in flight")
	ErrArmed    = errors.New("guard: an automatic commit is already scheduled")
	ErrCooldown = errors.New("guard: commit cooldown has not elapsed")
	ErrNotArmed = errors.New("guard: automatic commit was cancelled")
)

type State int

const (
	Idle State = iota
	Armed
	InFlight
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case InFlight:
		return "in_flight"
	default:
		return "idle"
	}
}

type Trigger string

const (
	Auto   Trigger = "auto"
	Manual Trigger = "manual"
)

// Submission is the per-session commit guard. Every transition is checked
// and applied under one mutex, so at most one commit is outstanding and
// automatic triggers are spaced by at least the cooldown.
type Submission struct {
	mu       sync.Mutex
	clock    clock.Clock
	cooldown time.Duration

	state        State
	lastCommitAt time.Time
}

func NewSubmission(c clock.Clock, cooldown time.Duration) *Submission {
	if c == nil {
		c = clock.Real()
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Submission{clock: c, cooldown: cooldown}
}

// Arm reserves an automatic commit.
func (s *Submission) Arm() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case InFlight:
		return ErrInFlight
	case Armed:
		return ErrArmed
	}
	now := s.clock.Now()
	if !s.lastCommitAt.IsZero() && now.Sub(s.lastCommitAt) < s.cooldown {
		return ErrCooldown
	}
	s.state = Armed
	s.lastCommitAt = now
	return nil
}

// Begin moves to InFlight. An automatic commit must have been armed; a
// manual one only needs no other commit running.
func (s *Submission) Begin(t Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == InFlight {
		return ErrInFlight
	}
	if t == Auto {
		if s.state != Armed {
			return ErrNotArmed
		}
	} else {
		s.lastCommitAt = s.clock.Now()
	}
	s.state = InFlight
	return nil
}

// Finish returns to Idle whatever the commit outcome was.
func (s *Submission) Finish() {
	s.mu.Lock()
	s.state = Idle
	s.mu.Unlock()
}

// Disarm drops a scheduled automatic commit. It reports whether one was
// pending.
func (s *Submission) Disarm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Armed {
		return false
	}
	s.state = Idle
	return true
}

func (s *Submission) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Submission) LastCommitAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommitAt
}
