package vault

import "errors"

// ErrNotFound is returned when a document does not exist in the addressed folder.
var ErrNotFound = errors.New("document not found")

// ErrAlreadyExists is returned by Create when the target document exists.
var ErrAlreadyExists = errors.New("document already exists")
