package ioreactor

import "errors"

// ErrClosed is returned by Manager methods called after Close.
var ErrClosed = errors.New("ioreactor: manager closed")

// ErrUnsupported is returned on platforms without an epoll-backed
// implementation.
var ErrUnsupported = errors.New("ioreactor: unsupported platform")

// ErrAlreadyArmed is returned by AddEvent/AddFiberEvent when the
// requested direction already has a registration pending. Arming the
// same direction twice would silently drop whichever fiber or
// callback was already parked on it, so this is refused rather than
// overwritten.
var ErrAlreadyArmed = errors.New("ioreactor: direction already armed")
