package errors

import "fmt"

var (
	ErrRateLimited    = fmt.Errorf("rate limited")
	ErrMuted          = fmt.Errorf("identity is muted")
	ErrEmptyContent   = fmt.Errorf("content is empty")
	ErrContentTooLong = fmt.Errorf("content exceeds maximum length")
	ErrUnauthorized   = fmt.Errorf("no live guardian grant")
	ErrKeyTaken       = fmt.Errorf("key already held by a live record")
	ErrNotFound       = fmt.Errorf("record not found")
	ErrUnwritable     = fmt.Errorf("channel is not writable")
)
