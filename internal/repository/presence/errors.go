package presence

import "errors"

var (
	ErrNotFound = errors.New("presence not found")
)
