// Copyright 2026 The httpwire Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package qpack

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// headerRecorder collects the callbacks of one decode call. The
// terminal channels are buffered so callbacks never block inside the
// decoder.
type headerRecorder struct {
	mu       sync.Mutex
	headers  []HeaderField
	complete chan uint32
	fail     chan error
}

func newHeaderRecorder() *headerRecorder {
	return &headerRecorder{
		complete: make(chan uint32, 1),
		fail:     make(chan error, 1),
	}
}

func (r *headerRecorder) OnHeader(f HeaderField) {
	r.mu.Lock()
	r.headers = append(r.headers, f)
	r.mu.Unlock()
}

func (r *headerRecorder) OnHeadersComplete(decodedSize uint32) { r.complete <- decodedSize }
func (r *headerRecorder) OnDecodeError(err error)              { r.fail <- err }

func (r *headerRecorder) fields() []HeaderField {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]HeaderField(nil), r.headers...)
}

func (r *headerRecorder) waitComplete(t *testing.T) uint32 {
	t.Helper()
	select {
	case sz := <-r.complete:
		return sz
	case err := <-r.fail:
		t.Fatalf("decode failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	return 0
}

func (r *headerRecorder) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.fail:
		return err
	case sz := <-r.complete:
		t.Fatalf("decode completed (%d bytes) instead of failing", sz)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
	return nil
}

type ackRecorder struct {
	acks chan uint32
	errs chan error
}

func newAckRecorder() *ackRecorder {
	return &ackRecorder{acks: make(chan uint32, 4), errs: make(chan error, 4)}
}

func (a *ackRecorder) Ack(tableIndex uint32) { a.acks <- tableIndex }
func (a *ackRecorder) OnError(err error)     { a.errs <- err }

func (a *ackRecorder) waitAck(t *testing.T) uint32 {
	t.Helper()
	select {
	case idx := <-a.acks:
		return idx
	case err := <-a.errs:
		t.Fatalf("delete failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
	return 0
}

func (a *ackRecorder) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-a.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack error")
	}
	return nil
}

// encodeBlock builds one header block with a Huffman-free encoder.
func encodeBlock(t *testing.T, write func(e *Encoder) error) []byte {
	t.Helper()
	var buf bytes.Buffer
	e := NewEncoder(&buf)
	e.SetHuffman(false)
	require.NoError(t, write(e))
	return buf.Bytes()
}

func TestDecodeEmptyBlock(t *testing.T) {
	d := NewDecoder(nil)
	rec := newHeaderRecorder()
	require.True(t, d.DecodeStreaming(nil, rec))
	require.Equal(t, uint32(0), rec.waitComplete(t))
	require.Empty(t, rec.fields())
}

func TestDecodeIndexedStatic(t *testing.T) {
	d := NewDecoder(nil)
	rec := newHeaderRecorder()
	block := encodeBlock(t, func(e *Encoder) error {
		return e.WriteIndexed(2)
	})

	// Static references resolve synchronously: the terminal
	// callback fires before DecodeStreaming returns.
	require.True(t, d.DecodeStreaming(block, rec))
	require.Equal(t, uint32(len(":method")+len("GET")), rec.waitComplete(t))
	require.Equal(t, []HeaderField{{Name: ":method", Value: "GET"}}, rec.fields())
}

func TestDecodeIndexZero(t *testing.T) {
	d := NewDecoder(nil)
	rec := newHeaderRecorder()
	require.True(t, d.DecodeStreaming([]byte{0x80}, rec))
	require.ErrorIs(t, rec.waitError(t), ErrInvalidIndex)
}

func TestDecodeLiteralWithIndexing(t *testing.T) {
	d := NewDecoder(nil)
	rec := newHeaderRecorder()
	block := encodeBlock(t, func(e *Encoder) error {
		return e.WriteLiteralIndexed(HeaderField{Name: "x-foo", Value: "bar"}, dynamicToGlobal(1))
	})
	require.True(t, d.DecodeStreaming(block, rec))
	rec.waitComplete(t)
	require.Equal(t, []HeaderField{{Name: "x-foo", Value: "bar"}}, rec.fields())

	// The field was inserted at index 1: an indexed reference to it
	// now resolves.
	rec2 := newHeaderRecorder()
	block = encodeBlock(t, func(e *Encoder) error {
		return e.WriteIndexed(dynamicToGlobal(1))
	})
	d.DecodeStreaming(block, rec2)
	rec2.waitComplete(t)
	require.Equal(t, []HeaderField{{Name: "x-foo", Value: "bar"}}, rec2.fields())
}

func TestDecodeLiteralTargetMustBeDynamic(t *testing.T) {
	d := NewDecoder(nil)
	rec := newHeaderRecorder()
	// 01xxxxxx with a static target index.
	block := appendPrefixedInt(nil, ctrlLiteralIndexed, 6, 2)
	require.True(t, d.DecodeStreaming(block, rec))
	require.ErrorIs(t, rec.waitError(t), ErrInvalidIndex)
}

func TestDecodeLiteralRoundTrip(t *testing.T) {
	for _, huffman := range []bool{false, true} {
		name := "raw"
		if huffman {
			name = "huffman"
		}
		t.Run(name, func(t *testing.T) {
			want := HeaderField{Name: "x-custom-header", Value: "some value here"}
			var buf bytes.Buffer
			e := NewEncoder(&buf)
			e.SetHuffman(huffman)
			require.NoError(t, e.WriteLiteral(want))

			d := NewDecoder(nil)
			rec := newHeaderRecorder()
			require.True(t, d.DecodeStreaming(buf.Bytes(), rec))
			rec.waitComplete(t)
			require.Equal(t, []HeaderField{want}, rec.fields())
		})
	}
}

func TestDecodeLiteralNeverIndex(t *testing.T) {
	want := HeaderField{Name: "authorization", Value: "secret", Sensitive: true}
	block := encodeBlock(t, func(e *Encoder) error {
		return e.WriteLiteral(want)
	})
	d := NewDecoder(nil)
	rec := newHeaderRecorder()
	require.True(t, d.DecodeStreaming(block, rec))
	rec.waitComplete(t)
	require.Equal(t, []HeaderField{want}, rec.fields())
}

func TestDecodeLiteralNameIndexedStatic(t *testing.T) {
	block := encodeBlock(t, func(e *Encoder) error {
		return e.WriteLiteralNameIndexed(31, "text/html", false)
	})
	d := NewDecoder(nil)
	rec := newHeaderRecorder()
	require.True(t, d.DecodeStreaming(block, rec))
	rec.waitComplete(t)
	require.Equal(t, []HeaderField{{Name: "content-type", Value: "text/html"}}, rec.fields())
}

func TestDecodeOutOfOrderReference(t *testing.T) {
	d := NewDecoder(nil)

	// The reference arrives before the insertion it names.
	recA := newHeaderRecorder()
	blockA := encodeBlock(t, func(e *Encoder) error {
		return e.WriteIndexed(dynamicToGlobal(1))
	})
	require.False(t, d.DecodeStreaming(blockA, recA))

	recB := newHeaderRecorder()
	blockB := encodeBlock(t, func(e *Encoder) error {
		return e.WriteLiteralIndexed(HeaderField{Name: "x-foo", Value: "bar"}, dynamicToGlobal(1))
	})
	require.True(t, d.DecodeStreaming(blockB, recB))
	recB.waitComplete(t)

	recA.waitComplete(t)
	require.Equal(t, []HeaderField{{Name: "x-foo", Value: "bar"}}, recA.fields())
}

func TestDecodePendingNameResolution(t *testing.T) {
	d := NewDecoder(nil)

	// A literal whose name references a dynamic entry that has not
	// arrived: the value's bytes are accounted until it does.
	rec := newHeaderRecorder()
	block := encodeBlock(t, func(e *Encoder) error {
		return e.WriteLiteralNameIndexed(dynamicToGlobal(1), "bar", false)
	})
	require.False(t, d.DecodeStreaming(block, rec))
	require.Equal(t, uint32(len("bar")), d.QueuedBytes())

	recB := newHeaderRecorder()
	insert := encodeBlock(t, func(e *Encoder) error {
		return e.WriteLiteralIndexed(HeaderField{Name: "x-foo", Value: "ignored"}, dynamicToGlobal(1))
	})
	require.True(t, d.DecodeStreaming(insert, recB))
	recB.waitComplete(t)

	rec.waitComplete(t)
	require.Equal(t, []HeaderField{{Name: "x-foo", Value: "bar"}}, rec.fields())
	require.Equal(t, uint32(0), d.QueuedBytes())
}

func TestDecodeResolutionTimeout(t *testing.T) {
	d := NewDecoder(nil)
	d.SetTimeout(50 * time.Millisecond)

	rec := newHeaderRecorder()
	block := encodeBlock(t, func(e *Encoder) error {
		return e.WriteIndexed(dynamicToGlobal(7))
	})
	require.False(t, d.DecodeStreaming(block, rec))
	require.ErrorIs(t, rec.waitError(t), ErrTimeout)
}

func TestDecodeFirstErrorWins(t *testing.T) {
	d := NewDecoder(nil)
	d.SetTimeout(50 * time.Millisecond)

	// A dangling dynamic reference followed by an index-zero
	// instruction: the synchronous error is recorded first and is
	// the one reported, and no bytes after it are attempted.
	rec := newHeaderRecorder()
	block := encodeBlock(t, func(e *Encoder) error {
		return e.WriteIndexed(dynamicToGlobal(7))
	})
	block = append(block, 0x80)
	require.True(t, d.DecodeStreaming(block, rec))
	require.ErrorIs(t, rec.waitError(t), ErrInvalidIndex)
}

func TestDecodeDelete(t *testing.T) {
	ack := newAckRecorder()
	d := NewDecoder(ack)

	insert := encodeBlock(t, func(e *Encoder) error {
		return e.WriteLiteralIndexed(HeaderField{Name: "x-foo", Value: "bar"}, dynamicToGlobal(1))
	})
	rec := newHeaderRecorder()
	require.True(t, d.DecodeStreaming(insert, rec))
	rec.waitComplete(t)

	// One reference against the entry.
	ref := encodeBlock(t, func(e *Encoder) error {
		return e.WriteIndexed(dynamicToGlobal(1))
	})
	rec = newHeaderRecorder()
	d.DecodeStreaming(ref, rec)
	rec.waitComplete(t)

	// The delete releases its pending slot immediately: the block
	// completes with no emission, and the acknowledgment carries
	// the 0-based slot.
	del := encodeBlock(t, func(e *Encoder) error {
		return e.WriteDelete(1, 1)
	})
	rec = newHeaderRecorder()
	require.True(t, d.DecodeStreaming(del, rec))
	require.Equal(t, uint32(0), rec.waitComplete(t))
	require.Empty(t, rec.fields())
	require.Equal(t, uint32(0), ack.waitAck(t))
}

func TestDecodeDeleteTimeoutDoesNotFailBlock(t *testing.T) {
	ack := newAckRecorder()
	d := NewDecoder(ack)
	d.SetTimeout(50 * time.Millisecond)

	// Delete for an entry that never arrives: the block still
	// completes; the failure surfaces on the ack path only.
	del := encodeBlock(t, func(e *Encoder) error {
		return e.WriteDelete(3, 1)
	})
	rec := newHeaderRecorder()
	require.True(t, d.DecodeStreaming(del, rec))
	require.Equal(t, uint32(0), rec.waitComplete(t))
	require.ErrorIs(t, ack.waitError(t), ErrTimeout)
}

func TestDecodeDeleteMalformed(t *testing.T) {
	tests := []struct {
		name  string
		block []byte
	}{
		{"zero refcount", appendPrefixedInt(appendPrefixedInt(nil, ctrlDelete, 5, 0), 0, 8, dynamicToGlobal(1))},
		{"zero index", appendPrefixedInt(appendPrefixedInt(nil, ctrlDelete, 5, 1), 0, 8, 0)},
		{"static index", appendPrefixedInt(appendPrefixedInt(nil, ctrlDelete, 5, 1), 0, 8, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(nil)
			rec := newHeaderRecorder()
			require.True(t, d.DecodeStreaming(tt.block, rec))
			require.ErrorIs(t, rec.waitError(t), ErrInvalidIndex)
		})
	}
}

func TestDecodeTruncatedInstruction(t *testing.T) {
	d := NewDecoder(nil)
	rec := newHeaderRecorder()
	// A literal whose declared value length runs past the block.
	block := []byte{0x00, 0x01, 'a', 0x7f}
	require.True(t, d.DecodeStreaming(block, rec))
	require.ErrorIs(t, rec.waitError(t), ErrBufferUnderflow)
}

func TestDecoderClose(t *testing.T) {
	d := NewDecoder(nil)
	rec := newHeaderRecorder()
	block := encodeBlock(t, func(e *Encoder) error {
		return e.WriteIndexed(dynamicToGlobal(1))
	})
	require.False(t, d.DecodeStreaming(block, rec))

	d.Close()
	require.ErrorIs(t, rec.waitError(t), ErrCancelled)

	// Further decode calls fail the same way, exactly once each.
	rec2 := newHeaderRecorder()
	require.True(t, d.DecodeStreaming(block, rec2))
	require.ErrorIs(t, rec2.waitError(t), ErrCancelled)
}

func TestDecodeLiteralTooLarge(t *testing.T) {
	d := NewDecoder(nil)
	d.SetMaxUncompressed(4)
	rec := newHeaderRecorder()
	block := encodeBlock(t, func(e *Encoder) error {
		return e.WriteLiteral(HeaderField{Name: "x", Value: "longer than four"})
	})
	require.True(t, d.DecodeStreaming(block, rec))
	require.ErrorIs(t, rec.waitError(t), ErrLiteralTooLarge)
}
