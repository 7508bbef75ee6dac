package sentinel

import "errors"

// Store errors. Stores return these (optionally wrapped) so callers translate
// them into domain errors or rejections exactly once.
var (
	ErrNotFound     = errors.New("not found")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidInput = errors.New("invalid input")
)
