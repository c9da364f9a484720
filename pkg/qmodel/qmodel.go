// Package qmodel writes and reads the flat .qmodel container: a fixed
// 128-byte header carrying the model hyperparameters, then tensor payloads
// back to back in one hardcoded order. There is no per-tensor metadata; the
// emission order and the header values are the entire contract.
package qmodel

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic is the little-endian encoding of "AQM8".
	Magic   uint32 = 0x384D5141
	Version uint32 = 1
	// HeaderSize is fixed; bytes past the last field are reserved zeros.
	HeaderSize = 128
)

var (
	// ErrBadMagic reports a file that does not start with "AQM8".
	ErrBadMagic = errors.New("qmodel: bad magic")

	// ErrBadVersion reports an unsupported container version.
	ErrBadVersion = errors.New("qmodel: unsupported version")

	// ErrPayloadSize reports a tensor payload whose length does not match the
	// layout's expectation. With no directory in the file, a wrong length
	// silently shifts every later tensor, so the writer refuses it.
	ErrPayloadSize = errors.New("qmodel: payload size mismatch")
)

// Header is the decoded fixed header. Field order matches the wire order.
type Header struct {
	EncDModel       uint32
	EncLayers       uint32
	EncHeads        uint32
	EncHeadDim      uint32
	EncFFNDim       uint32
	EncOutputDim    uint32
	DecHidden       uint32
	DecLayers       uint32
	DecHeads        uint32
	DecKVHeads      uint32
	DecHeadDim      uint32
	DecIntermediate uint32
	VocabSize       uint32
}

// Encode renders the header into its 128-byte wire form.
func (h Header) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	fields := []uint32{
		Magic, Version,
		h.EncDModel, h.EncLayers, h.EncHeads, h.EncHeadDim,
		h.EncFFNDim, h.EncOutputDim, h.DecHidden, h.DecLayers,
		h.DecHeads, h.DecKVHeads, h.DecHeadDim, h.DecIntermediate,
		h.VocabSize,
	}
	for i, v := range fields {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

// DecodeHeader parses and validates a 128-byte header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("qmodel: header truncated at %d bytes", len(buf))
	}
	u32 := func(i int) uint32 { return binary.LittleEndian.Uint32(buf[i*4:]) }
	if u32(0) != Magic {
		return Header{}, fmt.Errorf("%w: %#08x", ErrBadMagic, u32(0))
	}
	if u32(1) != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrBadVersion, u32(1))
	}
	return Header{
		EncDModel:       u32(2),
		EncLayers:       u32(3),
		EncHeads:        u32(4),
		EncHeadDim:      u32(5),
		EncFFNDim:       u32(6),
		EncOutputDim:    u32(7),
		DecHidden:       u32(8),
		DecLayers:       u32(9),
		DecHeads:        u32(10),
		DecKVHeads:      u32(11),
		DecHeadDim:      u32(12),
		DecIntermediate: u32(13),
		VocabSize:       u32(14),
	}, nil
}
