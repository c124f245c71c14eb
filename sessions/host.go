package sessions

import "context"

// MessageHandlerFunc consumes one queued session message. The eventID is the
// host-assigned ordering cursor usable for stream resumption.
type MessageHandlerFunc func(ctx context.Context, eventID string, data []byte) error

// Host is the contract between the transport/engine and the store of session
// records and their ordered message logs. Implementations must be safe for
// concurrent use by many connection handlers.
type Host interface {
	// PutSession registers a new session record, failing if the id is taken.
	PutSession(ctx context.Context, sess *Session) error

	// GetSession returns the live session for an id, or ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (*Session, error)

	// DeleteSession removes the session record and its message log, cancelling
	// anything the session still has in flight. Returns ErrSessionNotFound for
	// unknown ids.
	DeleteSession(ctx context.Context, id string) error

	// ListSessions returns the ids of all live sessions.
	ListSessions(ctx context.Context) ([]string, error)

	// PublishSession appends one message to the session's ordered log, waking
	// any subscriber. The returned event id is the resume cursor.
	PublishSession(ctx context.Context, id string, data []byte) (eventID string, err error)

	// SubscribeSession replays messages after lastEventID (all pending, when
	// empty) and then follows the log, invoking handler for each message until
	// ctx ends or the session is deleted. A session carries at most one active
	// subscriber; a new subscription displaces the previous one, which returns
	// ErrSubscriptionReplaced.
	SubscribeSession(ctx context.Context, id string, lastEventID string, handler MessageHandlerFunc) error
}
