package gateway

import (
	"context"
	"sync"
)

// Mock records every send and answers with FailWith, if set.
type Mock struct {
	mu       sync.Mutex
	sent     []Sent
	FailWith func(accountID int64, msg Message) error
}

type Sent struct {
	AccountID int64
	Message   Message
}

func (m *Mock) Send(ctx context.Context, accountID int64, msg Message) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	m.sent = append(m.sent, Sent{AccountID: accountID, Message: msg})
	fail := m.FailWith
	m.mu.Unlock()

	if fail != nil {
		if err := fail(accountID, msg); err != nil {
			return Result{}, err
		}
	}
	return Result{ProviderMessageID: "mock-" + msg.ThreadingID, ThreadingID: msg.ThreadingID}, nil
}

// Sent returns a copy of every call so far, including failed ones.
func (m *Mock) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}
