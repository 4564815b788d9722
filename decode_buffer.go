// Copyright 2026 The httpwire Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package qpack

import (
	"math"

	"golang.org/x/net/http2/hpack"
)

// A decodeBuffer is a cursor over one encoded header block. It is the
// sole source of raw-format correctness: prefixed integers and string
// literals are decoded here and nowhere else.
type decodeBuffer struct {
	buf []byte
	off int

	// maxUncompressed bounds the wire length of a single string
	// literal.
	maxUncompressed uint32
}

func (db *decodeBuffer) empty() bool { return db.off >= len(db.buf) }

// peek returns the next byte without consuming it. The caller must
// have checked empty.
func (db *decodeBuffer) peek() byte { return db.buf[db.off] }

// next consumes one byte.
func (db *decodeBuffer) next() { db.off++ }

func (db *decodeBuffer) consumedBytes() uint32 { return uint32(db.off) }

// decodeInteger reads a prefixed integer per RFC 7541 section 5.1.
// prefixLen is the number of bits of the first byte available to the
// value, between 4 and 8. An all-ones prefix escapes into base-128
// continuation bytes, each contributing 7 bits, terminated by a byte
// with the high bit clear.
func (db *decodeBuffer) decodeInteger(prefixLen uint8) (uint32, error) {
	if db.empty() {
		return 0, ErrBufferUnderflow
	}
	mask := byte(0xff >> (8 - prefixLen))
	v := uint64(db.peek() & mask)
	db.next()
	if v != uint64(mask) {
		return uint32(v), nil
	}
	var m uint
	for {
		if db.empty() {
			return 0, ErrBufferUnderflow
		}
		b := db.peek()
		db.next()
		if m > 28 {
			return 0, ErrIntegerOverflow
		}
		v += uint64(b&0x7f) << m
		if v > math.MaxUint32 {
			return 0, ErrIntegerOverflow
		}
		if b&0x80 == 0 {
			return uint32(v), nil
		}
		m += 7
	}
}

// decodeLiteral reads a string literal per RFC 7541 section 5.2: a
// Huffman flag in the top bit, a 7-bit prefixed length, then the
// payload. Huffman payloads are expanded by the collaborating codec.
func (db *decodeBuffer) decodeLiteral() (string, error) {
	if db.empty() {
		return "", ErrBufferUnderflow
	}
	huffman := db.peek()&literalHuffmanFlag != 0
	length, err := db.decodeInteger(7)
	if err != nil {
		return "", err
	}
	if length > db.maxUncompressed {
		return "", ErrLiteralTooLarge
	}
	if uint32(len(db.buf)-db.off) < length {
		return "", ErrBufferUnderflow
	}
	data := db.buf[db.off : db.off+int(length)]
	db.off += int(length)
	if huffman {
		s, err := hpack.HuffmanDecodeToString(data)
		if err != nil {
			return "", ErrInvalidHuffman
		}
		return s, nil
	}
	return string(data), nil
}

// literalHuffmanFlag marks a Huffman-coded string literal.
const literalHuffmanFlag = 0x80
