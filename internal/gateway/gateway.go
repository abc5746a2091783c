// Package gateway holds the seams between the task subsystem and the
// chat host: a readiness gate plus the collaborator interfaces the
// built-in callbacks talk through. Concrete chat transports implement
// these interfaces outside this module.
package gateway

import (
	"context"
	"sync"
)

// Messenger posts a message to a named channel on the chat host.
type Messenger interface {
	Send(ctx context.Context, channel, text string) error
}

// RoleRotator advances decorative role colors on the chat host.
type RoleRotator interface {
	RotateColors(ctx context.Context) error
}

// Gate signals when the chat connection is established. Recurring
// tasks hold their first eligibility check until the gate opens.
type Gate struct {
	once  sync.Once
	ready chan struct{}
}

func NewGate() *Gate {
	return &Gate{ready: make(chan struct{})}
}

// SetReady opens the gate. Subsequent calls are no-ops.
func (g *Gate) SetReady() {
	g.once.Do(func() { close(g.ready) })
}

// Ready returns a channel closed once the gate is open.
func (g *Gate) Ready() <-chan struct{} {
	return g.ready
}

// IsReady reports without blocking.
func (g *Gate) IsReady() bool {
	select {
	case <-g.ready:
		return true
	default:
		return false
	}
}
