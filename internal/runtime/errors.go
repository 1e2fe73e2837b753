package runtime

import "errors"

var (
	ErrUnknownContainer    = errors.New("runtime: unknown container")
	ErrInvalidTransition   = errors.New("runtime: invalid state transition")
	ErrAlreadyInstalled    = errors.New("runtime: identity already installed")
	ErrDuplicateRepository = errors.New("runtime: repository id already registered")
)
