package engine

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// GateState is the broker-connection lifecycle state.
type GateState string

const (
	// GateInit means the connection is not yet established.
	GateInit GateState = "INIT"
	// GateReady means the broker session is live.
	GateReady GateState = "READY"
	// GateCooldown means repeated connection failures paused retries.
	GateCooldown GateState = "COOLDOWN"
)

const (
	maxInitFailures = 3
	cooldownWindow  = 15 * time.Minute
)

// InitGate bounds reconnect storms against the broker endpoint: three
// consecutive connection failures park the engine in a 15-minute cooldown
// before retries resume with a fresh counter.
type InitGate struct {
	mu            sync.Mutex
	state         GateState
	failures      int
	cooldownUntil time.Time
	log           *logrus.Entry
}

// NewInitGate starts in INIT.
func NewInitGate(log *logrus.Logger) *InitGate {
	return &InitGate{state: GateInit, log: log.WithField("component", "init_gate")}
}

// State returns the current gate state, expiring a finished cooldown lazily.
func (g *InitGate) State(now time.Time) GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireCooldown(now)
	return g.state
}

// CanAttempt reports whether a connection attempt is allowed right now.
func (g *InitGate) CanAttempt(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireCooldown(now)
	return g.state != GateCooldown
}

// RecordSuccess moves the gate to READY and clears the failure counter.
func (g *InitGate) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != GateReady {
		g.log.Info("broker connection established")
	}
	g.state = GateReady
	g.failures = 0
}

// RecordFailure counts a failed connection attempt; the third in a row opens
// the cooldown window.
func (g *InitGate) RecordFailure(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures++
	g.log.WithField("failures", g.failures).Warn("broker connection attempt failed")
	if g.failures >= maxInitFailures {
		g.state = GateCooldown
		g.cooldownUntil = now.Add(cooldownWindow)
		g.failures = 0
		g.log.WithField("until", g.cooldownUntil.Format(time.RFC3339)).
			Warn("too many connection failures, entering cooldown")
		return
	}
	g.state = GateInit
}

// RecordConnectionLost drops READY back to INIT with a fresh counter: a later
// transient loss is not penalized for earlier unrelated failures.
func (g *InitGate) RecordConnectionLost() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log.Warn("broker connection lost")
	g.state = GateInit
	g.failures = 0
}

func (g *InitGate) expireCooldown(now time.Time) {
	if g.state == GateCooldown && !now.Before(g.cooldownUntil) {
		g.state = GateInit
		g.failures = 0
	}
}
