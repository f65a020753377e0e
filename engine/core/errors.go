package core

import (
	"errors"
)

// Error taxonomy shared by every manager. Callers match them with errors.Is;
// concrete failures wrap one of these with the name of the offending item.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrCreationFailed     = errors.New("creation failed")
	ErrLoadFailed         = errors.New("load failed")
	ErrCloneFailed        = errors.New("clone failed")
	ErrIO                 = errors.New("i/o error")
	ErrUnsupported        = errors.New("unsupported")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrDuplicatedItem     = errors.New("duplicated item")
)
