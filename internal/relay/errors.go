package relay

import "fmt"

// ErrKind classifies a relay error by what went wrong rather than by
// concrete type: callers compare via errors.Is against an error of the
// matching kind, not via type assertion.
type ErrKind int

const (
	ErrApi ErrKind = iota
	ErrTimeout
	ErrNotAllowed
	ErrChannelNotFound
	ErrChannelClosed
	ErrTransport
	ErrPeerStore
	ErrDisallowedOperationOnOwnPeerId
)

// Error is the concrete error type produced by this package.
type Error struct {
	Kind ErrKind
	msg  string
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Api reports a caller precondition violation: reserved tag, oversized
// payload, self-ping, or use of a write-once collaborator before it was set.
func Api(format string, args ...any) error {
	return &Error{Kind: ErrApi, msg: fmt.Sprintf(format, args...)}
}

// Timeout reports a bounded wait that expired.
func Timeout(format string, args ...any) error {
	return &Error{Kind: ErrTimeout, msg: fmt.Sprintf(format, args...)}
}

// NotAllowed reports a peer rejected by the ban/access-control check.
func NotAllowed(format string, args ...any) error {
	return &Error{Kind: ErrNotAllowed, msg: fmt.Sprintf(format, args...)}
}

// ChannelNotFound reports a ticket-aggregation trigger on an unknown channel.
func ChannelNotFound(format string, args ...any) error {
	return &Error{Kind: ErrChannelNotFound, msg: fmt.Sprintf(format, args...)}
}

// ChannelClosed reports a ticket-aggregation trigger on a non-open channel.
func ChannelClosed(format string, args ...any) error {
	return &Error{Kind: ErrChannelClosed, msg: fmt.Sprintf(format, args...)}
}

// DisallowedOperationOnOwnPeerId reports a mutating registry call against
// the node's own identity.
func DisallowedOperationOnOwnPeerId(id PeerId) error {
	return &Error{Kind: ErrDisallowedOperationOnOwnPeerId, msg: fmt.Sprintf("disallowed operation on own peer id %s", id)}
}

// Wrap tags an externally propagated error with the Transport or PeerStore
// error kind, preserving the original message.
func Wrap(kind ErrKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, msg: err.Error()}
}
