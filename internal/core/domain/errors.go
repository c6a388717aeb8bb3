package domain

import "errors"

var (
	ErrInvalidState        = errors.New("operation not allowed in current session state")
	ErrScreenShareActive   = errors.New("screen share already active")
	ErrScreenShareInactive = errors.New("screen share not active")
	ErrCaptureUnavailable  = errors.New("media capture unavailable")
	ErrStreamIDExhausted   = errors.New("could not allocate a unique stream id")
	ErrViewerNotFound      = errors.New("viewer not found")
	ErrTransportInUse      = errors.New("transport already registered to another viewer")
	ErrChannelClosed       = errors.New("signaling channel closed")
)
