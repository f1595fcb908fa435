package storeclient

import "errors"

var (
	// ErrPoolClosed is returned when the pool is closed
	ErrPoolClosed = errors.New("storeclient: pool is closed")

	// ErrUnavailable wraps transport failures talking to the store
	ErrUnavailable = errors.New("storeclient: store unavailable")
)
