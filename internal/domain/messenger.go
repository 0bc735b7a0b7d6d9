package domain

import (
	"context"
	"fmt"
	"time"
)

// SendOptions qualifies an outbound payload delivery.
type SendOptions struct {
	ReplyTo int  // message id to reply to, 0 for none
	Protect bool // disable forwarding/saving on the recipient's copy
}

// Messenger is the outbound capability of one protocol identity. Both relay
// processes receive one at construction, which keeps the loops testable with
// fakes.
type Messenger interface {
	// DeliverPayload reconstructs the payload as a protocol message and
	// sends it, returning the sent message id.
	DeliverPayload(ctx context.Context, chatID int64, p *Payload, opts SendOptions) (int, error)
	// SendText sends a plain operator-facing text message.
	SendText(ctx context.Context, chatID int64, text string) error
}

// RateLimitError signals a provider throttle carrying the wait the provider
// demands before the next attempt. Callers sleep rather than fail the job.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}
