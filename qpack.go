// Copyright 2026 The httpwire Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package qpack implements decoding of header blocks for a
// QPACK-style compression scheme in which multiple independent
// streams share one header table.
//
// Unlike HPACK, encoded blocks for different streams may be processed
// out of relative order, so an indexed reference can name a dynamic
// table entry that has not been inserted yet. The decoder suspends
// that single reference until the entry arrives, a deadline elapses,
// or the table is torn down; unrelated references in the same or
// other blocks are never held up.
//
// See http://tools.ietf.org/html/draft-ietf-httpbis-header-compression-08
// for the prefixed integer and string literal primitives, which are
// shared with HPACK.
package qpack

import "errors"

// A HeaderField is a name-value pair. Both the name and value are
// treated as opaque sequences of octets.
//
// Sensitive is set for fields carried with the never-index control
// pattern; intermediaries must not store such fields in any
// compression table.
type HeaderField struct {
	Name, Value string
	Sensitive   bool
}

// Size returns the size of an entry per RFC 7541 section 4.1: the
// accounting both peers use to agree on table capacity.
func (f HeaderField) Size() uint32 {
	return uint32(len(f.Name) + len(f.Value) + 32)
}

// A StreamingCallback receives the results of one decode call.
// Exactly one of OnHeadersComplete or OnDecodeError is invoked per
// call, after every header that call produced.
//
// Callbacks are invoked synchronously from DecodeStreaming or from a
// resolution completion; they must not call back into the Decoder.
type StreamingCallback interface {
	// OnHeader is invoked once per decoded header field.
	OnHeader(f HeaderField)

	// OnHeadersComplete is invoked on success with the total
	// uncompressed size of the emitted fields.
	OnHeadersComplete(decodedSize uint32)

	// OnDecodeError is invoked with the first error the decode
	// call encountered.
	OnDecodeError(err error)
}

// An AckCallback is the out-of-band path toward the remote encoder
// for delete acknowledgments.
type AckCallback interface {
	// Ack reports that the dynamic table slot at the given 0-based
	// table-local index has been reclaimed and is safe to reuse.
	Ack(tableIndex uint32)

	// OnError reports that a delete request failed or timed out.
	OnError(err error)
}

// Decode error kinds. Asynchronous table operations surface
// ErrTimeout when the resolution deadline elapses and ErrTableClosed
// when the table is torn down mid-wait.
var (
	ErrBufferUnderflow = errors.New("qpack: buffer underflow")
	ErrIntegerOverflow = errors.New("qpack: integer overflow")
	ErrInvalidIndex    = errors.New("qpack: invalid index")
	ErrInvalidHuffman  = errors.New("qpack: invalid huffman-coded literal")
	ErrLiteralTooLarge = errors.New("qpack: literal exceeds maximum size")
	ErrTimeout         = errors.New("qpack: table operation timed out")
	ErrCancelled       = errors.New("qpack: decode cancelled")
	ErrTableClosed     = errors.New("qpack: header table closed")
)

// Leading control bits of an instruction byte.
const (
	ctrlIndexed        = 0x80 // 1xxxxxxx indexed header
	ctrlLiteralIndexed = 0x40 // 01xxxxxx literal with indexing
	ctrlDelete         = 0x20 // 0010xxxx delete
	ctrlNeverIndex     = 0x10 // 0001xxxx literal, never index
)
