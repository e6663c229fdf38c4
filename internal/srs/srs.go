// Package srs implements the review scheduler: a pure state-transition
// function mapping a card's scheduling state and a grade to its next state.
// It performs no I/O, so the same inputs always reschedule the same way.
package srs

import (
	"fmt"
	"math"
	"strings"

	"kotoba/internal/timeutil"
)

// Grade is one of the four fixed grading levels.
type Grade string

const (
	Again Grade = "again"
	Hard  Grade = "hard"
	Good  Grade = "good"
	Easy  Grade = "easy"
)

const (
	// Ease bounds applied after every transition.
	MinEase = 1.3
	MaxEase = 2.8

	// LeechThreshold is the cumulative lapse count at which a card is
	// flagged; the flag is never cleared automatically.
	LeechThreshold = 8
)

// ParseGrade validates a grade string from an external caller. Unlike
// ApplyGrade it reports bad input as an error, since UI payloads are not
// trusted.
func ParseGrade(raw string) (Grade, error) {
	switch g := Grade(strings.ToLower(strings.TrimSpace(raw))); g {
	case Again, Hard, Good, Easy:
		return g, nil
	default:
		return "", fmt.Errorf("unknown grade %q", raw)
	}
}

// Correct reports whether a grade counts as a correct recall. Only "again"
// is a failure.
func (g Grade) Correct() bool {
	return g != Again
}

// State is a card's scheduling state. DueDate is a YYYY-MM-DD string.
type State struct {
	DueDate      string
	IntervalDays int
	Ease         float64
	Lapses       int
	IsLeech      bool
}

// ApplyGrade computes the next scheduling state for a card graded today.
// A grade outside the four fixed levels is a caller bug and panics.
func ApplyGrade(state State, grade Grade, today string) State {
	ease := state.Ease
	interval := state.IntervalDays
	lapses := state.Lapses
	var due string

	switch grade {
	case Again:
		interval = 1
		lapses++
		ease -= 0.2
		due = today
	case Hard:
		if interval > 0 {
			interval = maxInt(1, round(float64(interval)*1.2))
		} else {
			interval = 1
		}
		ease -= 0.05
		due = timeutil.AddDays(today, interval)
	case Good:
		if interval > 0 {
			interval = maxInt(1, round(float64(interval)*ease))
		} else {
			interval = 2
		}
		due = timeutil.AddDays(today, interval)
	case Easy:
		if interval > 0 {
			interval = maxInt(2, round(float64(interval)*ease*1.3))
		} else {
			interval = 4
		}
		ease += 0.05
		due = timeutil.AddDays(today, interval)
	default:
		panic(fmt.Sprintf("srs: unknown grade %q", grade))
	}

	ease = clamp(ease, MinEase, MaxEase)

	isLeech := state.IsLeech
	if lapses >= LeechThreshold {
		isLeech = true
	}

	return State{
		DueDate:      due,
		IntervalDays: interval,
		Ease:         ease,
		Lapses:       lapses,
		IsLeech:      isLeech,
	}
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

// round is half-to-even so interval arithmetic reproduces identically
// across implementations (5 * 2.5 schedules 12 days, not 13).
func round(x float64) int {
	return int(math.RoundToEven(x))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
