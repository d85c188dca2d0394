package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Room routing/state.
	ErrNotFound   = "E_NOT_FOUND"
	ErrConflict   = "E_CONFLICT"
	ErrNotBattle  = "E_NOT_BATTLE"
	ErrRoomClosed = "E_ROOM_CLOSED"

	// Allocation layer.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrInvalidTarget = "E_INVALID_TARGET"
	ErrLocked        = "E_LOCKED"
	ErrStale         = "E_STALE"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrNotFound:        {},
	ErrConflict:        {},
	ErrNotBattle:       {},
	ErrRoomClosed:      {},
	ErrBadRequest:      {},
	ErrInvalidTarget:   {},
	ErrLocked:          {},
	ErrStale:           {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Retryable reports whether a client may resend the same request later and
// expect a different outcome. Locked and stale submissions never become
// valid again for the same bucket.
func Retryable(code string) bool {
	switch code {
	case ErrInternal:
		return true
	}
	return false
}
