package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/normanking/mockinterview/internal/api"
)

// Common errors
var (
	ErrNotStarted    = errors.New("interview session not started")
	ErrNotRetryable  = errors.New("turn is not a failed send")
	ErrInvalidConfig = errors.New("invalid engine configuration")
	ErrChannelLost   = errors.New("push channel lost while the reply was requested")
)

// SendError reports a user turn the server did not accept. The turn stays in
// the transcript marked failed and can be resent with Engine.Retry.
type SendError struct {
	UserTurnID string
	Err        error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send turn %s: %v", e.UserTurnID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Retryable reports whether resending may succeed. Transport failures are
// retryable; client errors the server rejected outright are not.
func (e *SendError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	var reqErr *api.RequestError
	if errors.As(e.Err, &reqErr) {
		return reqErr.Retryable()
	}
	return true
}
