package domain

import "errors"

var (
	// ErrStorageUnavailable marks failures of the backing store. It is
	// always surfaced to the caller so the client can retry; swallowing it
	// would mean silent message loss.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrUnknownConnection is returned by a transport when the target
	// session is not (or no longer) attached locally. Delivery treats it
	// the same as a send failure: the message stays queued.
	ErrUnknownConnection = errors.New("unknown connection")
)
