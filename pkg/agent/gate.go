package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelbot/kestrel/pkg/logger"
	"github.com/kestrelbot/kestrel/pkg/trust"
)

// Decision is the autonomy gate's verdict for one capability invocation.
type Decision int

const (
	DecisionDeny Decision = iota
	DecisionConfirm
	DecisionAllow
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionConfirm:
		return "confirm"
	default:
		return "deny"
	}
}

// Outcome is the result of waiting on a suspended action.
type Outcome int

const (
	OutcomeDenied Outcome = iota
	OutcomeApproved
	OutcomeExpired
)

// PendingAction is a capability invocation suspended awaiting confirmation.
type PendingAction struct {
	ID         string
	Capability string
	Author     string
	Channel    string
	ChatID     string
	ExpiresAt  time.Time

	resolved chan bool
}

// Gate decides whether a capability executes immediately, requires external
// confirmation, or is refused. The decision is policy-table-driven: trust
// level never overrides a requires_confirmation listing.
type Gate struct {
	source ConfigSource
	nowFn  func() time.Time

	mu      sync.Mutex
	pending map[string]*PendingAction
}

func NewGate(source ConfigSource) *Gate {
	return &Gate{
		source:  source,
		nowFn:   time.Now,
		pending: map[string]*PendingAction{},
	}
}

// Authorize applies the capability policy table. Capabilities in neither set
// default to confirm, never allow.
func (g *Gate) Authorize(capability string, level trust.Level) Decision {
	capability = strings.ToLower(strings.TrimSpace(capability))
	if capability == "" {
		return DecisionDeny
	}

	cfg := g.source.Current().Autonomy
	if containsCapability(cfg.Free, capability) {
		return DecisionAllow
	}
	if containsCapability(cfg.RequiresConfirmation, capability) {
		return DecisionConfirm
	}
	return DecisionConfirm
}

// Suspend registers a pending confirmation token for a gated action.
func (g *Gate) Suspend(capability, author, channel, chatID string) *PendingAction {
	cfg := g.source.Current().Autonomy
	timeout := time.Duration(cfg.ConfirmTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	p := &PendingAction{
		ID:         uuid.NewString()[:8],
		Capability: capability,
		Author:     author,
		Channel:    channel,
		ChatID:     chatID,
		ExpiresAt:  g.nowFn().Add(timeout),
		resolved:   make(chan bool, 1),
	}

	g.mu.Lock()
	g.pending[p.ID] = p
	g.mu.Unlock()

	logger.InfoCF("gate", "Action suspended awaiting confirmation", map[string]interface{}{
		"id":         p.ID,
		"capability": capability,
		"author":     author,
	})
	return p
}

// Resolve delivers a confirmation verdict. Returns false when the token is
// unknown or already settled.
func (g *Gate) Resolve(id string, approved bool) bool {
	g.mu.Lock()
	p, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}

	p.resolved <- approved
	logger.InfoCF("gate", "Pending action resolved", map[string]interface{}{
		"id":         id,
		"capability": p.Capability,
		"approved":   approved,
	})
	return true
}

// Await blocks the calling turn (not the process) until the action is
// confirmed, denied, expired, or the context is cancelled. Expiry abandons
// the action; it is reported as denied, never retried.
func (g *Gate) Await(ctx context.Context, p *PendingAction) Outcome {
	wait := time.Until(p.ExpiresAt)
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case approved := <-p.resolved:
		if approved {
			return OutcomeApproved
		}
		return OutcomeDenied
	case <-timer.C:
		g.abandon(p.ID)
		logger.WarnCF("gate", "Confirmation timed out, abandoning action", map[string]interface{}{
			"id":         p.ID,
			"capability": p.Capability,
		})
		return OutcomeExpired
	case <-ctx.Done():
		g.abandon(p.ID)
		return OutcomeDenied
	}
}

func (g *Gate) abandon(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

// Pending lists unresolved actions, oldest expiry first.
func (g *Gate) Pending() []PendingAction {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PendingAction, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, *p)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ExpiresAt.Before(out[j-1].ExpiresAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func containsCapability(set []string, capability string) bool {
	for _, item := range set {
		if strings.ToLower(strings.TrimSpace(item)) == capability {
			return true
		}
	}
	return false
}
