package quant

import "errors"

var (
	// ErrBlockAlign reports an input length that is not a multiple of the
	// codec's block size.
	ErrBlockAlign = errors.New("quant: input not block-aligned")

	// ErrDataSize reports an encoded payload whose length does not match the
	// expected block count.
	ErrDataSize = errors.New("quant: invalid encoded data length")
)
