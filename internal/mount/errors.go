package mount

import "errors"

// ErrMissingResource signals that a mount::Resource entry's dependency
// could not be resolved or its source path does not exist.
var ErrMissingResource = errors.New("mount: resource dependency missing")
