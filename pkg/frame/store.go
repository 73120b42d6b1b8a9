package frame

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a frame, its config, or an event lookup
// misses.
var ErrNotFound = errors.New("frame: not found")

// ErrNameTaken is returned by CreateFrame when the frame name already
// exists.
var ErrNameTaken = errors.New("frame: name already in use")

// ErrPortTaken is returned by UpdateFrame when a non-zero BasePort
// collides with another non-stopped frame's allocated base port.
var ErrPortTaken = errors.New("frame: base port already allocated")

// ErrInvalidStatus is returned by UpdateFrame when upd.Status is not a
// member of ValidStatuses.
var ErrInvalidStatus = errors.New("frame: invalid status")

// Store persists frames, their configuration, and their lifecycle events.
// Implementations must make CreateFrame/UpdateFrame/DeleteFrame atomic with
// respect to concurrent callers; a crash between a state write and its
// side effect must leave the store in a state the supervisor can reconcile
// on restart (the state write always happens first).
type Store interface {
	// CreateFrame persists a new frame in StatusCreated and returns it with
	// its assigned ID and timestamps populated. Returns ErrNameTaken if a
	// frame with the same name already exists.
	CreateFrame(ctx context.Context, in CreateInput) (*Frame, error)

	// GetFrame returns a single frame by ID, or ErrNotFound.
	GetFrame(ctx context.Context, id ID) (*Frame, error)

	// GetFrameByName returns a single frame by name, or ErrNotFound.
	GetFrameByName(ctx context.Context, name string) (*Frame, error)

	// ListFrames returns all frames, optionally filtered to a single
	// status. A nil status lists every frame.
	ListFrames(ctx context.Context, status *Status) ([]*Frame, error)

	// UpdateFrame applies a partial update to a frame. Returns ErrNotFound
	// if the frame does not exist, ErrInvalidStatus if upd.Status is set to
	// a value outside ValidStatuses, or ErrPortTaken if upd.BasePort is
	// non-zero and already held by another non-stopped frame.
	UpdateFrame(ctx context.Context, id ID, upd Update) (*Frame, error)

	// DeleteFrame removes a frame along with its config and event history.
	DeleteFrame(ctx context.Context, id ID) error

	// GetFrameConfig returns a frame's configuration, or ErrNotFound if
	// neither the frame nor its config exist. A frame with no explicit
	// config returns a zero-value Config, not ErrNotFound.
	GetFrameConfig(ctx context.Context, id ID) (*Config, error)

	// UpdateFrameConfig replaces a frame's configuration wholesale.
	UpdateFrameConfig(ctx context.Context, id ID, cfg Config) error

	// AppendEvent appends a lifecycle event for a frame. Events are
	// immutable once written.
	AppendEvent(ctx context.Context, ev Event) error

	// GetFrameEvents returns up to limit events for a frame, newest first.
	// limit <= 0 means unlimited.
	GetFrameEvents(ctx context.Context, id ID, limit int) ([]*Event, error)

	// ListAllocatedPorts returns every base port currently held by a
	// non-destroyed frame, for allocator reconciliation at startup.
	ListAllocatedPorts(ctx context.Context) ([]int, error)

	// Close releases any resources held by the store (connections, files).
	Close() error
}
