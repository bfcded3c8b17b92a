package client

import "errors"

// ErrChannelClosed is handed to every pending call when the underlying
// connection closes.
var ErrChannelClosed = errors.New("channel closed")
