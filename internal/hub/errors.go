package hub

import "errors"

// Hub errors
var (
	ErrHubAlreadyRunning   = errors.New("hub is already running")
	ErrHubNotRunning       = errors.New("hub is not running")
	ErrAllDeliveriesFailed = errors.New("broadcast failed for every recipient")
)
