// Copyright 2026 The httpwire Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package qpack

import (
	"io"

	"golang.org/x/net/http2/hpack"
)

// An Encoder writes header block instructions honoring the wire
// contract the Decoder consumes. It performs no table management of
// its own: callers pick indices.
type Encoder struct {
	w       io.Writer
	buf     []byte
	huffman bool
}

// NewEncoder returns an encoder that writes each instruction to w in
// a single Write call. Huffman coding is applied to string literals
// whenever it is shorter.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, huffman: true}
}

// SetHuffman controls whether string literals may be Huffman coded.
func (e *Encoder) SetHuffman(on bool) { e.huffman = on }

// WriteIndexed writes an indexed header instruction for the given
// global index.
func (e *Encoder) WriteIndexed(globalIndex uint32) error {
	if globalIndex == 0 {
		return ErrInvalidIndex
	}
	e.buf = appendPrefixedInt(e.buf[:0], ctrlIndexed, 7, globalIndex)
	return e.flush()
}

// WriteLiteral writes f as a literal header without indexing, with a
// literal name. A sensitive field is written with the never-index
// control pattern.
func (e *Encoder) WriteLiteral(f HeaderField) error {
	var ctrl byte
	if f.Sensitive {
		ctrl = ctrlNeverIndex
	}
	// Low name-index bits clear: the name follows as a literal.
	e.buf = append(e.buf[:0], ctrl)
	e.buf = e.appendLiteralString(e.buf, f.Name)
	e.buf = e.appendLiteralString(e.buf, f.Value)
	return e.flush()
}

// WriteLiteralNameIndexed writes a literal header without indexing
// whose name is a reference to the given global index.
func (e *Encoder) WriteLiteralNameIndexed(nameIndex uint32, value string, sensitive bool) error {
	if nameIndex == 0 {
		return ErrInvalidIndex
	}
	var ctrl byte
	if sensitive {
		ctrl = ctrlNeverIndex
	}
	e.buf = appendPrefixedInt(e.buf[:0], ctrl, 4, nameIndex)
	e.buf = e.appendLiteralString(e.buf, value)
	return e.flush()
}

// WriteLiteralIndexed writes f as a literal header with indexing,
// declaring the global index the decoder must insert it at. The
// target must name a dynamic slot.
func (e *Encoder) WriteLiteralIndexed(f HeaderField, targetIndex uint32) error {
	if targetIndex == 0 || isStaticIndex(targetIndex) {
		return ErrInvalidIndex
	}
	e.buf = appendPrefixedInt(e.buf[:0], ctrlLiteralIndexed, 6, targetIndex)
	e.buf = append(e.buf, 0) // literal name marker
	e.buf = e.appendLiteralString(e.buf, f.Name)
	e.buf = e.appendLiteralString(e.buf, f.Value)
	return e.flush()
}

// WriteLiteralIndexedNameRef is WriteLiteralIndexed with the name
// given as a reference to the given global index.
func (e *Encoder) WriteLiteralIndexedNameRef(nameIndex uint32, value string, targetIndex uint32) error {
	if nameIndex == 0 {
		return ErrInvalidIndex
	}
	if targetIndex == 0 || isStaticIndex(targetIndex) {
		return ErrInvalidIndex
	}
	e.buf = appendPrefixedInt(e.buf[:0], ctrlLiteralIndexed, 6, targetIndex)
	e.buf = appendPrefixedInt(e.buf, 0, 8, nameIndex)
	e.buf = e.appendLiteralString(e.buf, value)
	return e.flush()
}

// WriteDelete writes a delete instruction for the dynamic entry at
// the 1-based insertion index, declaring how many references the
// encoder issued against it.
func (e *Encoder) WriteDelete(dynIndex, refcount uint32) error {
	if dynIndex == 0 || refcount == 0 {
		return ErrInvalidIndex
	}
	e.buf = appendPrefixedInt(e.buf[:0], ctrlDelete, 5, refcount)
	e.buf = appendPrefixedInt(e.buf, 0, 8, dynamicToGlobal(dynIndex))
	return e.flush()
}

func (e *Encoder) appendLiteralString(b []byte, s string) []byte {
	if e.huffman {
		if hl := hpack.HuffmanEncodeLength(s); hl < uint64(len(s)) {
			b = appendPrefixedInt(b, literalHuffmanFlag, 7, uint32(hl))
			return hpack.AppendHuffmanString(b, s)
		}
	}
	b = appendPrefixedInt(b, 0, 7, uint32(len(s)))
	return append(b, s...)
}

func (e *Encoder) flush() error {
	n, err := e.w.Write(e.buf)
	if err == nil && n != len(e.buf) {
		err = io.ErrShortWrite
	}
	return err
}

// appendPrefixedInt appends a prefixed integer per RFC 7541 section
// 5.1. firstByte carries the non-integer control bits of the first
// byte; the prefix bits must be zero.
func appendPrefixedInt(b []byte, firstByte byte, prefixLen uint8, i uint32) []byte {
	u := uint64(i)
	prefixMask := (uint64(1) << prefixLen) - 1
	if u < prefixMask {
		return append(b, firstByte|byte(u))
	}
	b = append(b, firstByte|byte(prefixMask))
	u -= prefixMask
	for u >= 128 {
		b = append(b, 0x80|byte(u&0x7f))
		u >>= 7
	}
	return append(b, byte(u))
}
