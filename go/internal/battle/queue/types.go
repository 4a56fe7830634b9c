package queue

import "errors"

// ErrAlreadyQueued is returned when the player already has an active entry.
var ErrAlreadyQueued = errors.New("player already queued")

// ErrClaimLost is returned when a concurrent matching pass already claimed
// one of the two entries. The pass fails cleanly; no partial pairing is ever
// visible.
var ErrClaimLost = errors.New("queue claim lost")
