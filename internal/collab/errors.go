package collab

import "errors"

var (
	// ErrRoomNotFound is returned when a document id has no active room.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomClosed is returned when a command reaches a room that has
	// already been disposed.
	ErrRoomClosed = errors.New("room closed")
	// ErrUnknownConflict is returned for a resolve against an id that was
	// never issued by the room. Resolving an id that is recognized but
	// already closed is not an error; it returns the stored terminal record.
	ErrUnknownConflict = errors.New("unknown conflict")
	// ErrInvalidDecision is returned for a resolution verb outside
	// accepted/rejected/merged.
	ErrInvalidDecision = errors.New("invalid resolution decision")
	// ErrQueueFull signals backpressure: the room inbox is full and the
	// sending connection should slow down. It never blocks other clients.
	ErrQueueFull = errors.New("room inbox full")
)
