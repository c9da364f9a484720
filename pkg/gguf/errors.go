package gguf

import "errors"

var (
	// ErrBadMagic reports a file that does not start with "GGUF".
	ErrBadMagic = errors.New("gguf: bad magic")

	// ErrUnsupportedType reports a tensor or value type this package does not
	// handle.
	ErrUnsupportedType = errors.New("gguf: unsupported type")

	// ErrTensorNotFound reports a name absent from the tensor directory.
	ErrTensorNotFound = errors.New("gguf: tensor not found")
)
