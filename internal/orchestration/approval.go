package orchestration

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/pipeline"
)

// ApprovalGateway models human checkpoints as ordinary capabilities: a
// checkpoint leaf suspends until an external actor supplies a resume value
// keyed by session id and checkpoint type, or until the run is cancelled.
type ApprovalGateway struct {
	mu      sync.Mutex
	waiters map[approvalKey]chan interface{}
}

type approvalKey struct {
	sessionID  uuid.UUID
	checkpoint string
}

// NewApprovalGateway creates an empty gateway.
func NewApprovalGateway() *ApprovalGateway {
	return &ApprovalGateway{waiters: make(map[approvalKey]chan interface{})}
}

// Capability returns the blocking capability for one checkpoint of one
// session, suitable for a leaf stage.
func (g *ApprovalGateway) Capability(sessionID uuid.UUID, checkpoint string) pipeline.Capability {
	return &approvalCapability{gateway: g, key: approvalKey{sessionID: sessionID, checkpoint: checkpoint}}
}

// Resume delivers value to the capability waiting on the checkpoint. It fails
// when no checkpoint of that type is currently pending for the session.
func (g *ApprovalGateway) Resume(sessionID uuid.UUID, checkpoint string, value interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := approvalKey{sessionID: sessionID, checkpoint: checkpoint}
	ch, ok := g.waiters[key]
	if !ok {
		return fmt.Errorf("no pending %q checkpoint for session %s", checkpoint, sessionID)
	}
	delete(g.waiters, key)
	ch <- value
	return nil
}

// Pending lists the checkpoint types currently awaiting approval for a session.
func (g *ApprovalGateway) Pending(sessionID uuid.UUID) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for key := range g.waiters {
		if key.sessionID == sessionID {
			out = append(out, key.checkpoint)
		}
	}
	return out
}

func (g *ApprovalGateway) register(key approvalKey) (chan interface{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.waiters[key]; exists {
		return nil, fmt.Errorf("checkpoint %q already pending for session %s", key.checkpoint, key.sessionID)
	}
	ch := make(chan interface{}, 1)
	g.waiters[key] = ch
	return ch, nil
}

func (g *ApprovalGateway) unregister(key approvalKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.waiters, key)
}

type approvalCapability struct {
	gateway *ApprovalGateway
	key     approvalKey
}

// Invoke implements pipeline.Capability: it blocks until Resume supplies a
// value or the run context is cancelled.
func (c *approvalCapability) Invoke(ctx context.Context, snapshot *pipeline.State, config map[string]interface{}) (pipeline.Result, error) {
	ch, err := c.gateway.register(c.key)
	if err != nil {
		return pipeline.Result{}, err
	}
	defer c.gateway.unregister(c.key)

	select {
	case value := <-ch:
		return pipeline.Result{Output: value}, nil
	case <-ctx.Done():
		return pipeline.Result{}, ctx.Err()
	}
}
