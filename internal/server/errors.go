package server

import (
	"errors"
	"fmt"

	"github.com/Tyrowin/roomchat/internal/filter"
)

// Failure classes of a session. Auth and membership failures end the
// connection; the others are scoped to one frame and answered with an error
// reply.
var (
	ErrAuth            = errors.New("authentication failed")
	ErrMembership      = errors.New("not a member of this room")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrInvalidFrame    = errors.New("invalid message format")
	ErrContentRejected = errors.New("content rejected")
	ErrTransport       = errors.New("transport failure")
	ErrDependency      = errors.New("dependency failure")
)

// Error reply codes sent to the client.
const (
	CodeRateLimited     = "rate_limit_exceeded"
	CodeInvalidMessage  = "invalid_message"
	CodeContentRejected = "content_rejected"
	CodeInternal        = "internal_error"
)

// ErrorReply is the frame sent back to the sender when one of its frames is
// not accepted.
type ErrorReply struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

func newErrorReply(err error) ErrorReply {
	reply := ErrorReply{Type: "error"}

	var violation *filter.Violation
	switch {
	case errors.Is(err, ErrRateLimited):
		reply.Code = CodeRateLimited
		reply.Error = "Rate limit exceeded"
	case errors.As(err, &violation):
		reply.Code = CodeContentRejected
		reply.Error = violation.Error()
	case errors.Is(err, ErrContentRejected):
		reply.Code = CodeContentRejected
		reply.Error = "Message rejected"
	case errors.Is(err, ErrInvalidFrame):
		reply.Code = CodeInvalidMessage
		reply.Error = err.Error()
	default:
		// dependency details stay in the server log
		reply.Code = CodeInternal
		reply.Error = "Message could not be processed"
	}
	return reply
}

func rejectContent(err error) error {
	return fmt.Errorf("%w: %w", ErrContentRejected, err)
}

func dependencyFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDependency, op, err)
}
