// Package sla maintains per-stage deadline timestamps. It never enforces
// them; overdue detection is a separate sweep.
package sla

import (
	"sort"
	"time"
)

// DefaultPhase groups stages that declare no phase of their own.
const DefaultPhase = "lifecycle"

// Config maps lifecycle stages to their allowance and phase.
type Config struct {
	Durations map[string]time.Duration
	Phases    map[string]string
}

func (c Config) phase(stage string) string {
	if p, ok := c.Phases[stage]; ok && p != "" {
		return p
	}
	return DefaultPhase
}

// Manager computes deadline sets on state entry.
type Manager struct {
	cfg Config
}

func New(cfg Config) Manager { return Manager{cfg: cfg} }

// Start returns the deadlines of a freshly created entity.
func (m Manager) Start(stage string, now time.Time) map[string]time.Time {
	return m.OnEnterState(nil, "", stage, now)
}

// OnEnterState clears the timer of the stage being left and any other timer
// in the entered stage's phase, then starts the entered stage's timer at its
// full allowance. Re-entering a stage always restarts it. The input map is
// not modified.
func (m Manager) OnEnterState(current map[string]time.Time, left, entered string, now time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(current)+1)
	for k, v := range current {
		out[k] = v
	}
	if left != "" {
		delete(out, left)
	}
	if entered == "" {
		return out
	}
	phase := m.cfg.phase(entered)
	for stage := range out {
		if m.cfg.phase(stage) == phase {
			delete(out, stage)
		}
	}
	if d, ok := m.cfg.Durations[entered]; ok {
		out[entered] = now.UTC().Add(d)
	}
	return out
}

// Overdue lists the stages whose deadline is strictly before now, earliest
// first.
func Overdue(deadlines map[string]time.Time, now time.Time) []string {
	var out []string
	for stage, due := range deadlines {
		if due.Before(now) {
			out = append(out, stage)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if deadlines[out[i]].Equal(deadlines[out[j]]) {
			return out[i] < out[j]
		}
		return deadlines[out[i]].Before(deadlines[out[j]])
	})
	return out
}

// Next returns the earliest active deadline.
func Next(deadlines map[string]time.Time) (string, time.Time, bool) {
	var (
		stage string
		due   time.Time
		found bool
	)
	for s, d := range deadlines {
		if !found || d.Before(due) || (d.Equal(due) && s < stage) {
			stage, due, found = s, d, true
		}
	}
	return stage, due, found
}
