// Copyright 2026 The httpwire Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package qpack

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// defaultTimeout bounds every asynchronous table operation.
	defaultTimeout = 5 * time.Second

	// defaultMaxUncompressed bounds a single string literal.
	defaultMaxUncompressed = 1 << 20
)

// A Decoder is the decoding context shared by all header blocks on
// one connection. Blocks for different streams may be decoded in any
// order; a reference to a dynamic table entry that has not arrived
// yet suspends only that reference.
type Decoder struct {
	mu       sync.Mutex
	table    *dynamicTable
	requests map[uint64]*decodeRequest
	nextID   uint64
	ack      AckCallback

	timeout         time.Duration
	maxUncompressed uint32

	// pendingDecodeBytes counts bytes of literal values whose name
	// resolution is still outstanding.
	pendingDecodeBytes uint32

	log    logrus.FieldLogger
	closed bool
}

// A decodeRequest tracks one DecodeStreaming call: how many
// emissions are still outstanding, whether the whole block has been
// submitted, and the first error encountered. It is removed from the
// active set the instant it reaches a terminal state; continuations
// completing later find no request under their id and no-op.
type decodeRequest struct {
	id            uint64
	cb            StreamingCallback
	pending       int
	allSubmitted  bool
	err           error
	decodedSize   uint32
	consumedBytes uint32
}

func (dreq *decodeRequest) hasError() bool { return dreq.err != nil }

// setErr records the first error only; a later failure never
// displaces it.
func (dreq *decodeRequest) setErr(err error) {
	if dreq.err == nil {
		dreq.err = err
	}
}

// NewDecoder returns a decoder whose delete acknowledgments are
// reported through ack. A nil ack drops acknowledgments.
func NewDecoder(ack AckCallback) *Decoder {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Decoder{
		table:           newDynamicTable(),
		requests:        make(map[uint64]*decodeRequest),
		ack:             ack,
		timeout:         defaultTimeout,
		maxUncompressed: defaultMaxUncompressed,
		log:             l,
	}
}

// SetTimeout replaces the deadline applied to every asynchronous
// table operation.
func (d *Decoder) SetTimeout(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = timeout
}

// SetMaxUncompressed replaces the bound on a single string literal.
func (d *Decoder) SetMaxUncompressed(n uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxUncompressed = n
}

// SetLogger replaces the decoder's logger. The default discards
// everything.
func (d *Decoder) SetLogger(log logrus.FieldLogger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = log
}

// DecodeStreaming decodes one complete header block. Every
// instruction is submitted in wire order before DecodeStreaming
// returns, but emissions chained to dynamic references complete
// whenever the referenced entries arrive. The return value reports
// whether the block reached its terminal callback synchronously,
// which is always the case when no reference is dynamic.
func (d *Decoder) DecodeStreaming(p []byte, cb StreamingCallback) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	dreq := &decodeRequest{id: d.nextID, cb: cb}
	d.requests[dreq.id] = dreq
	if d.closed {
		dreq.setErr(ErrCancelled)
		return d.checkComplete(dreq)
	}
	dbuf := &decodeBuffer{buf: p, maxUncompressed: d.maxUncompressed}
	for !dreq.hasError() && !dbuf.empty() {
		dreq.pending++
		d.decodeInstruction(dbuf, dreq)
	}
	dreq.allSubmitted = !dreq.hasError()
	dreq.consumedBytes = dbuf.consumedBytes()
	return d.checkComplete(dreq)
}

// Close forces every active request into its error callback with
// ErrCancelled and tears down the dynamic table. Outstanding
// resolutions are left to run out; their continuations find the
// owning request gone and no-op.
func (d *Decoder) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, dreq := range d.requests {
		dreq.setErr(ErrCancelled)
		d.checkComplete(dreq)
	}
	d.mu.Unlock()
	d.table.close()
}

// QueuedBytes returns the bytes held by in-flight decoding: literal
// values awaiting a name resolution plus the uncompressed size
// accumulated so far by still-active requests. Callers use it to
// bound total in-flight decoded payload.
func (d *Decoder) QueuedBytes() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.pendingDecodeBytes
	for _, dreq := range d.requests {
		n += dreq.decodedSize
	}
	return n
}

// checkComplete finalizes dreq if it has reached a terminal state
// and reports whether it did. The first recorded error wins
// regardless of outstanding resolutions; otherwise the request
// completes once the block is fully submitted and nothing is
// pending. Caller holds mu.
func (d *Decoder) checkComplete(dreq *decodeRequest) bool {
	if dreq.hasError() {
		delete(d.requests, dreq.id)
		dreq.cb.OnDecodeError(dreq.err)
		return true
	}
	if dreq.pending == 0 && dreq.allSubmitted {
		delete(d.requests, dreq.id)
		dreq.cb.OnHeadersComplete(dreq.decodedSize)
		return true
	}
	return false
}

// emit delivers one header field and releases its pending slot.
// Caller holds mu.
func (d *Decoder) emit(dreq *decodeRequest, f HeaderField) {
	dreq.cb.OnHeader(f)
	dreq.decodedSize += uint32(len(f.Name) + len(f.Value))
	dreq.pending--
	d.checkComplete(dreq)
}

// decodeInstruction routes on the leading control bits of the next
// instruction. Caller holds mu and guarantees dbuf is non-empty.
func (d *Decoder) decodeInstruction(dbuf *decodeBuffer, dreq *decodeRequest) {
	if dbuf.peek()&ctrlIndexed != 0 {
		d.decodeIndexedHeader(dbuf, dreq)
	} else {
		d.decodeLiteralHeader(dbuf, dreq)
	}
}

func (d *Decoder) decodeIndexedHeader(dbuf *decodeBuffer, dreq *decodeRequest) {
	index, err := dbuf.decodeInteger(7)
	if err != nil {
		d.log.WithError(err).Error("error decoding index")
		dreq.setErr(err)
		return
	}
	if index == 0 {
		d.log.WithField("index", index).Error("received invalid index")
		dreq.setErr(ErrInvalidIndex)
		return
	}
	if isStaticIndex(index) {
		f, ok := staticEntry(index)
		if !ok {
			dreq.setErr(ErrInvalidIndex)
			return
		}
		d.emit(dreq, f)
		return
	}
	ch := d.table.resolve(globalToDynamic(index))
	timeout := d.timeout
	go func() {
		res := awaitResult(ch, timeout)
		d.mu.Lock()
		defer d.mu.Unlock()
		d.completeResolution(dreq.id, res, func(dreq *decodeRequest, f HeaderField) {
			d.emit(dreq, f)
		})
	}()
}

func (d *Decoder) decodeLiteralHeader(dbuf *decodeBuffer, dreq *decodeRequest) {
	b := dbuf.peek()
	indexing := b&ctrlLiteralIndexed != 0
	nameIndexMask := byte(0x0f)
	nameIndexPrefix := uint8(4)
	var sensitive bool
	var newIndex uint32
	if indexing {
		target, err := dbuf.decodeInteger(6)
		if err != nil {
			d.log.WithError(err).Error("error decoding new entry index")
			dreq.setErr(err)
			return
		}
		if target == 0 || isStaticIndex(target) {
			d.log.WithField("index", target).Error("new entry index not dynamic")
			dreq.setErr(ErrInvalidIndex)
			return
		}
		newIndex = globalToDynamic(target)
		if dbuf.empty() {
			dreq.setErr(ErrBufferUnderflow)
			return
		}
		b = dbuf.peek()
		nameIndexMask = 0xff
		nameIndexPrefix = 8
	} else {
		if b&ctrlDelete != 0 {
			d.decodeDelete(dbuf, dreq)
			return
		}
		sensitive = b&ctrlNeverIndex != 0
	}

	// The name is either an index reference or a literal. A nil
	// channel means the name is already in hand.
	var nameCh <-chan entryResult
	var name string
	if b&nameIndexMask != 0 {
		nameIndex, err := dbuf.decodeInteger(nameIndexPrefix)
		if err != nil {
			d.log.WithError(err).Error("error decoding name index")
			dreq.setErr(err)
			return
		}
		if nameIndex == 0 {
			dreq.setErr(ErrInvalidIndex)
			return
		}
		if isStaticIndex(nameIndex) {
			f, ok := staticEntry(nameIndex)
			if !ok {
				dreq.setErr(ErrInvalidIndex)
				return
			}
			name = f.Name
		} else {
			nameCh = d.table.resolve(globalToDynamic(nameIndex))
		}
	} else {
		// The control byte carries no payload bits.
		dbuf.next()
		n, err := dbuf.decodeLiteral()
		if err != nil {
			d.log.WithError(err).Error("error decoding header name")
			dreq.setErr(err)
			return
		}
		name = n
	}

	value, err := dbuf.decodeLiteral()
	if err != nil {
		d.log.WithError(err).Error("error decoding header value")
		dreq.setErr(err)
		return
	}

	if nameCh == nil {
		d.finishLiteral(dreq, HeaderField{Name: name, Value: value, Sensitive: sensitive}, indexing, newIndex)
		return
	}

	// The value is decoded but its emission is chained to the name
	// resolution; account its bytes until the name arrives.
	d.pendingDecodeBytes += uint32(len(value))
	timeout := d.timeout
	go func() {
		res := awaitResult(nameCh, timeout)
		d.mu.Lock()
		defer d.mu.Unlock()
		d.pendingDecodeBytes -= uint32(len(value))
		d.completeResolution(dreq.id, res, func(dreq *decodeRequest, nameField HeaderField) {
			f := HeaderField{Name: nameField.Name, Value: value, Sensitive: sensitive}
			d.finishLiteral(dreq, f, indexing, newIndex)
		})
	}()
}

// finishLiteral emits an assembled literal header and, when the
// instruction requested indexing, inserts it at the pre-declared
// index. An insertion conflict cannot retract the emission; it is
// logged and the entry is dropped. Caller holds mu.
func (d *Decoder) finishLiteral(dreq *decodeRequest, f HeaderField, indexing bool, newIndex uint32) {
	d.emit(dreq, f)
	if indexing {
		if err := d.table.insert(f, newIndex); err != nil {
			d.log.WithError(err).WithField("index", newIndex).Warn("dropping conflicting insertion")
		}
	}
}

func (d *Decoder) decodeDelete(dbuf *decodeBuffer, dreq *decodeRequest) {
	refcount, err := dbuf.decodeInteger(5)
	if err != nil {
		dreq.setErr(err)
		return
	}
	if refcount == 0 {
		d.log.Error("invalid refcount decoding delete")
		dreq.setErr(ErrInvalidIndex)
		return
	}
	delIndex, err := dbuf.decodeInteger(8)
	if err != nil {
		dreq.setErr(err)
		return
	}
	if delIndex == 0 || isStaticIndex(delIndex) {
		d.log.WithField("index", delIndex).Error("invalid index decoding delete")
		dreq.setErr(ErrInvalidIndex)
		return
	}

	// Deletes never emit and are structurally independent of the
	// block: release the pending slot now and report the outcome
	// through the acknowledgment path only.
	dreq.pending--
	dynIndex := globalToDynamic(delIndex)
	done := d.table.remove(dynIndex, refcount)
	timeout := d.timeout
	ack := d.ack
	log := d.log
	go func() {
		var err error
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case err = <-done:
		case <-timer.C:
			err = ErrTimeout
		}
		if err != nil {
			log.WithError(err).WithField("index", dynIndex).Error("delete failed")
			if ack != nil {
				ack.OnError(err)
			}
			return
		}
		log.WithField("index", dynIndex).Debug("delete complete")
		if ack != nil {
			ack.Ack(dynIndex - 1)
		}
	}()
}

// completeResolution runs a resolution continuation against the
// owning request, which may already have been finalized and
// discarded; then the completion is a no-op. Table teardown is
// dropped silently: the request is failed by Close, not here.
// Caller holds mu.
func (d *Decoder) completeResolution(id uint64, res entryResult, deliver func(*decodeRequest, HeaderField)) {
	dreq, ok := d.requests[id]
	if !ok {
		return
	}
	switch {
	case res.err == nil:
		deliver(dreq, res.field)
	case errors.Is(res.err, ErrTableClosed):
		d.log.Debug("table closed while awaiting entry")
	default:
		dreq.setErr(res.err)
		d.checkComplete(dreq)
	}
}

// awaitResult blocks until the resolution completes or the deadline
// elapses; a deadline behaves exactly like the operation failing
// with ErrTimeout.
func awaitResult(ch <-chan entryResult, timeout time.Duration) entryResult {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res
	case <-timer.C:
		return entryResult{err: ErrTimeout}
	}
}
