package policy

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/esp32-object-sentry/pkg/types"
)

// Condition is the outcome of the decision table for one frame.
type Condition int

const (
	ConditionNone Condition = iota
	// ConditionSuspiciousAlone: suspicious objects and no allowed objects.
	ConditionSuspiciousAlone
	// ConditionExclusivePresence: allowed objects and no suspicious objects.
	ConditionExclusivePresence
)

func (c Condition) String() string {
	switch c {
	case ConditionSuspiciousAlone:
		return "suspicious_alone"
	case ConditionExclusivePresence:
		return "exclusive_presence"
	default:
		return "none"
	}
}

// Counts holds per-frame group membership counts.
type Counts struct {
	Suspicious int
	Allowed    int
}

// Classify applies the decision table. It is a pure function of class
// membership.
func Classify(groups Groups, detections []types.Detection) (Counts, Condition) {
	c := Counts{
		Suspicious: groups.Count(GroupSuspicious, detections),
		Allowed:    groups.Count(GroupAllowed, detections),
	}

	switch {
	case c.Suspicious > 0 && c.Allowed == 0:
		return c, ConditionSuspiciousAlone
	// Exclusive presence used to also match suspicious>0 && allowed==0.
	// That case never reaches here since the suspicious-alone case wins,
	// so only the allowed-only half is kept.
	case c.Suspicious == 0 && c.Allowed > 0:
		return c, ConditionExclusivePresence
	default:
		return c, ConditionNone
	}
}

// Action is what a condition does when it fires.
type Action struct {
	Message string
	Persist bool
}

// Config configures an Engine.
type Config struct {
	Groups   Groups
	Cooldown time.Duration
	Actions  map[Condition]Action
}

// DefaultActions returns the signal messages of the reference deployment.
func DefaultActions() map[Condition]Action {
	return map[Condition]Action{
		ConditionSuspiciousAlone:   {Message: "a", Persist: true},
		ConditionExclusivePresence: {Message: "b", Persist: false},
	}
}

// AlertState is the edge-trigger state of one pipeline.
type AlertState struct {
	SignalActive   bool
	CooldownExpiry time.Time
}

// Decision is the result of evaluating one frame.
type Decision struct {
	Counts    Counts
	Condition Condition
	Fire      bool
	Message   string
	Persist   bool
	At        time.Time
}

// Engine evaluates frames for one feed. It is not safe for concurrent use;
// the frame loop that owns it is its only caller.
type Engine struct {
	cfg   Config
	clock clock.Clock
	state AlertState
}

// NewEngine returns an armed engine. A nil clock means wall time.
func NewEngine(cfg Config, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Actions == nil {
		cfg.Actions = DefaultActions()
	}
	return &Engine{cfg: cfg, clock: clk}
}

// Evaluate classifies the detections of one frame and advances the state.
// The cooldown expiry is checked before the decision so a frame arriving
// after the window can fire again.
func (e *Engine) Evaluate(detections []types.Detection) Decision {
	now := e.clock.Now()

	if e.state.SignalActive && now.After(e.state.CooldownExpiry) {
		e.state.SignalActive = false
	}

	counts, cond := Classify(e.cfg.Groups, detections)
	d := Decision{Counts: counts, Condition: cond, At: now}

	if cond == ConditionNone || e.state.SignalActive {
		return d
	}

	action, ok := e.cfg.Actions[cond]
	if !ok || action.Message == "" {
		return d
	}

	e.state.SignalActive = true
	e.state.CooldownExpiry = now.Add(e.cfg.Cooldown)

	d.Fire = true
	d.Message = action.Message
	d.Persist = action.Persist
	return d
}

// State returns a copy of the current alert state.
func (e *Engine) State() AlertState {
	return e.state
}

// Groups returns the class groups the engine classifies with.
func (e *Engine) Groups() Groups {
	return e.cfg.Groups
}
