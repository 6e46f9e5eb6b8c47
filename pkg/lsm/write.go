package lsm

import (
	"time"

	"go.uber.org/zap"

	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/memtable"
	"github.com/vladgaus/lsmkv/pkg/types"
)

// Put stores a key-value pair. The key and value are copied.
func (e *Engine) Put(key, value []byte) error {
	if err := errors.ValidateKey(key); err != nil {
		return err
	}
	if err := errors.ValidateValue(value); err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)
	if err := e.write(types.NewEntry(clone(key), v, 0)); err != nil {
		return err
	}
	e.metrics.ObservePut()
	return nil
}

// Delete removes a key by writing a tombstone. Deleting a missing key is
// not an error.
func (e *Engine) Delete(key []byte) error {
	if err := errors.ValidateKey(key); err != nil {
		return err
	}
	if err := e.write(types.NewTombstone(clone(key), 0)); err != nil {
		return err
	}
	e.metrics.ObserveDelete()
	return nil
}

// write assigns ent the next sequence number, logs it and applies it.
// Writes become visible to reads in sequence order.
func (e *Engine) write(ent *types.Entry) error {
	if err := e.checkWritable(); err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.waitForRoom(); err != nil {
		return err
	}

	ent.SeqNum = e.seqNum + 1
	if err := e.wal.Append(ent); err != nil {
		// The segment's tail is unknown; later records could land after a
		// torn one and be lost on replay.
		e.setFatal(err)
		return err
	}
	e.seqNum = ent.SeqNum
	e.mem.Add(ent)
	e.visibleSeq.Store(ent.SeqNum)

	if e.mem.Size() >= e.opts.MemtableSizeThreshold {
		if err := e.freeze(); err != nil {
			// The write itself is durable.
			e.setFatal(err)
		}
	}
	return nil
}

// waitForRoom blocks while the flush queue is full. Called with writeMu
// held, so later writers queue behind it.
func (e *Engine) waitForRoom() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var start time.Time
	for len(e.imm) >= e.opts.MaxImmutableMemtables && e.fatalErr == nil && !e.closed.Load() {
		if start.IsZero() {
			start = time.Now()
			e.stalls.Add(1)
			e.logger.Debug("write stalled", zap.Int("immutable_memtables", len(e.imm)))
		}
		e.stallCond.Wait()
	}
	if !start.IsZero() {
		e.metrics.ObserveStall(time.Since(start))
	}
	switch {
	case e.fatalErr != nil:
		return e.fatalErr
	case e.closed.Load():
		return errors.ErrClosed
	}
	return nil
}

// freeze makes the active memtable immutable, queues it for flush and
// starts a new memtable on a new WAL segment. Called with writeMu held.
func (e *Engine) freeze() error {
	segment := e.versions.NewFileNumber()
	if err := e.wal.NewSegment(segment); err != nil {
		return err
	}

	e.mu.Lock()
	old := e.mem
	old.MarkImmutable()
	e.imm = append(e.imm, old)
	e.mem = memtable.New(e.nextMemTableID(), segment)
	depth := len(e.imm)
	e.mu.Unlock()

	e.metrics.SetImmutableDepth(depth)
	e.logger.Debug("memtable frozen",
		zap.Uint64("memtable", old.ID()),
		zap.Int64("size", old.Size()),
		zap.Int64("entries", old.EntryCount()),
		zap.Uint64("next_segment", segment))
	e.signalFlush()
	return nil
}

func (e *Engine) signalFlush() {
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
