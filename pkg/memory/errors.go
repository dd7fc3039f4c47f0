package memory

import "errors"

var (
	// ErrEmptyContent rejects inserts with no usable content.
	ErrEmptyContent = errors.New("memory content is empty")
)
