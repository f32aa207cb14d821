package provider

import (
	"context"
	"log"

	"github.com/google/uuid"
)

// Noop accepts every envelope without calling any upstream API. It exists for
// local development and load testing, where the interesting behavior is the
// engine's, not the provider's.
type Noop struct {
	// Quiet suppresses the per-send log line.
	Quiet bool
}

// NewNoop creates a no-op provider.
func NewNoop() *Noop { return &Noop{} }

// Send reports success with a synthetic message id.
func (p *Noop) Send(ctx context.Context, env *Envelope) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := "noop-" + uuid.New().String()
	if !p.Quiet {
		log.Printf("[Provider:noop] Accepted %s (subject=%q)", env.To[0], env.Subject)
	}
	return &Result{OK: true, ID: id}, nil
}

// Name identifies the provider in logs and stats.
func (p *Noop) Name() string { return "noop" }
