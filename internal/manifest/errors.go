package manifest

import "errors"

var (
	// ErrParse signals a malformed YAML document.
	ErrParse = errors.New("manifest: parse error")
	// ErrInvalidName signals a container name outside the permitted charset.
	ErrInvalidName = errors.New("manifest: invalid name")
	// ErrInvalidVersion signals a version string that isn't MAJOR.MINOR.PATCH.
	ErrInvalidVersion = errors.New("manifest: invalid version")
	// ErrInvalidMount signals a structurally invalid mount entry.
	ErrInvalidMount = errors.New("manifest: invalid mount")
	// ErrInvalidOnExit signals an on_exit.restart value below 1.
	ErrInvalidOnExit = errors.New("manifest: on_exit.restart must be >= 1")
	// ErrInvalidInit signals a relative or empty init path.
	ErrInvalidInit = errors.New("manifest: init path must be absolute")
	// ErrInvalidInstances signals an instances value below 1.
	ErrInvalidInstances = errors.New("manifest: instances must be >= 1")
)
