// Package gateway delivers rendered messages through a provider on behalf of
// a sending account.
package gateway

import (
	"context"
)

// Message is one outbound email. ThreadingID becomes the Message-ID header;
// InReplyTo, when set, is the parent's ThreadingID. References lists every
// ancestor's ThreadingID, oldest first.
type Message struct {
	To          string
	From        string
	Subject     string
	Body        string
	ThreadingID string
	InReplyTo   string
	References  []string
}

type Result struct {
	ProviderMessageID string
	ThreadingID       string
}

// Gateway sends a message from accountID. Errors should be *appErrors.DeliveryError;
// anything else is retried as transient.
type Gateway interface {
	Send(ctx context.Context, accountID int64, msg Message) (Result, error)
}
