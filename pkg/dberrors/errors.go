package dberrors

import "errors"

var (
	ErrNotFound        = errors.New("blsm: not found")
	ErrClosed          = errors.New("blsm: shutting down")
	ErrInvalidArgument = errors.New("blsm: invalid argument")
	ErrReadOnly        = errors.New("blsm: component is read-only")
)
