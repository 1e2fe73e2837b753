package repository

import "errors"

var (
	// ErrVerification signals a package whose signature didn't match.
	ErrVerification = errors.New("repository: signature verification failed")
	// ErrInstallDuplicate signals an add() whose destination already exists.
	ErrInstallDuplicate = errors.New("repository: package already installed")
	// ErrInvalidContainer signals a remove() of an identity not present.
	ErrInvalidContainer = errors.New("repository: no such container")
)
