package requests

import "errors"

var (
	ErrCorrelation     = errors.New("requests: response does not match a pending request")
	ErrConnectionLost  = errors.New("requests: connection lost")
	ErrStreamCancelled = errors.New("requests: stream cancelled by peer")
)
