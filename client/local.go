package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/metarelay/endpoint"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/submission"
)

// ErrUnknownOperator is returned when no operator is registered for an
// endpoint's identity.
var ErrUnknownOperator = errors.New("client: no operator for identity")

// Operator is the submitting side of a relay as seen in-process.
type Operator interface {
	Submit(ctx context.Context, req *metatx.ForwardRequest) (*submission.Submission, error)
	Status(ctx context.Context, handle string) (*submission.Submission, error)
}

// Local routes requests to operators in the same process by endpoint identity.
type Local struct {
	mu        sync.RWMutex
	operators map[common.Address]Operator
}

// NewLocal creates an empty in-process transport.
func NewLocal() *Local {
	return &Local{operators: make(map[common.Address]Operator)}
}

// Register routes endpoints with identity to op.
func (l *Local) Register(identity common.Address, op Operator) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.operators[identity] = op
}

func (l *Local) operator(ep endpoint.Endpoint) (Operator, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	op, ok := l.operators[ep.Identity]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownOperator, ep.Identity.Hex())
	}
	return op, nil
}

// Submit hands req to the operator registered for ep.
func (l *Local) Submit(ctx context.Context, ep endpoint.Endpoint, req *metatx.ForwardRequest) (string, error) {
	op, err := l.operator(ep)
	if err != nil {
		return "", err
	}
	sub, err := op.Submit(ctx, req)
	if err != nil {
		return "", err
	}
	return sub.ID.String(), nil
}

// Status asks the operator registered for ep about handle.
func (l *Local) Status(ctx context.Context, ep endpoint.Endpoint, handle string) (*submission.Submission, error) {
	op, err := l.operator(ep)
	if err != nil {
		return nil, err
	}
	return op.Status(ctx, handle)
}
