package descriptor

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrBudget is returned when an append would overflow the action region the
// writer was given. The layout budgets are worst-case, so hitting this means
// the task exceeded a per-category maximum that validation should have
// caught.
var ErrBudget = errors.New("descriptor: action region budget exceeded")

// ActionWriter appends typed action records into one region of a descriptor
// slot. It tracks the fill point and refuses to pass the region limit.
type ActionWriter struct {
	buf   []byte
	start int
	off   int
	limit int
}

// NewActionWriter returns a writer over buf[start:start+max).
func NewActionWriter(buf []byte, start, max int) *ActionWriter {
	return &ActionWriter{buf: buf, start: start, off: start, limit: start + max}
}

func (w *ActionWriter) ensure(n int) error {
	if w.off+n > w.limit || w.off+n > len(w.buf) {
		return ErrBudget
	}
	return nil
}

// Semaphore appends an addr+value record (waits, signal writes, increments).
func (w *ActionWriter) Semaphore(op ActionOpcode, addr uint64, value uint32) error {
	if err := w.ensure(OpcodeSize + SemaphorePayloadSize); err != nil {
		return err
	}
	w.buf[w.off] = byte(op)
	binary.LittleEndian.PutUint64(w.buf[w.off+1:w.off+9], addr)
	binary.LittleEndian.PutUint32(w.buf[w.off+9:w.off+13], value)
	w.off += OpcodeSize + SemaphorePayloadSize
	return nil
}

// Status appends an addr+status record (status checks and writes).
func (w *ActionWriter) Status(op ActionOpcode, addr uint64, status uint16) error {
	if err := w.ensure(OpcodeSize + StatusPayloadSize); err != nil {
		return err
	}
	w.buf[w.off] = byte(op)
	binary.LittleEndian.PutUint64(w.buf[w.off+1:w.off+9], addr)
	binary.LittleEndian.PutUint16(w.buf[w.off+9:w.off+11], status)
	w.off += OpcodeSize + StatusPayloadSize
	return nil
}

// Timestamp appends an addr-only record (timestamp writes).
func (w *ActionWriter) Timestamp(op ActionOpcode, addr uint64) error {
	if err := w.ensure(OpcodeSize + TimestampPayloadSize); err != nil {
		return err
	}
	w.buf[w.off] = byte(op)
	binary.LittleEndian.PutUint64(w.buf[w.off+1:w.off+9], addr)
	w.off += OpcodeSize + TimestampPayloadSize
	return nil
}

// Terminate closes the stream and returns the list header describing it.
func (w *ActionWriter) Terminate() (ActionList, error) {
	if err := w.ensure(OpcodeSize); err != nil {
		return ActionList{}, err
	}
	w.buf[w.off] = byte(OpTerminate)
	w.off += OpcodeSize
	return ActionList{Offset: uint16(w.start), Size: uint16(w.off - w.start)}, nil
}

// Len reports how many bytes have been written so far.
func (w *ActionWriter) Len() int {
	return w.off - w.start
}

// Action is one decoded record. Value is set for semaphore-class records,
// Status for status-class records.
type Action struct {
	Opcode ActionOpcode
	Addr   uint64
	Value  uint32
	Status uint16
}

// ParseActions decodes an encoded region up to and excluding its terminate
// opcode. The emulated engine and the tests both consume descriptors through
// this.
func ParseActions(buf []byte) ([]Action, error) {
	var out []Action
	off := 0
	for {
		if off >= len(buf) {
			return nil, fmt.Errorf("descriptor: action stream truncated at %d", off)
		}
		op := ActionOpcode(buf[off])
		off += OpcodeSize

		switch op {
		case OpTerminate:
			return out, nil

		case OpSemaphoreGE, OpWriteSemaphore, OpIncrementSemaphore, OpWriteTimestampSemaphore:
			if off+SemaphorePayloadSize > len(buf) {
				return nil, fmt.Errorf("descriptor: semaphore record truncated at %d", off)
			}
			out = append(out, Action{
				Opcode: op,
				Addr:   binary.LittleEndian.Uint64(buf[off : off+8]),
				Value:  binary.LittleEndian.Uint32(buf[off+8 : off+12]),
			})
			off += SemaphorePayloadSize

		case OpTaskStatusEQ, OpWriteTaskStatus:
			if off+StatusPayloadSize > len(buf) {
				return nil, fmt.Errorf("descriptor: status record truncated at %d", off)
			}
			out = append(out, Action{
				Opcode: op,
				Addr:   binary.LittleEndian.Uint64(buf[off : off+8]),
				Status: binary.LittleEndian.Uint16(buf[off+8 : off+10]),
			})
			off += StatusPayloadSize

		case OpWriteTimestamp:
			if off+TimestampPayloadSize > len(buf) {
				return nil, fmt.Errorf("descriptor: timestamp record truncated at %d", off)
			}
			out = append(out, Action{
				Opcode: op,
				Addr:   binary.LittleEndian.Uint64(buf[off : off+8]),
			})
			off += TimestampPayloadSize

		default:
			return nil, fmt.Errorf("descriptor: unknown opcode 0x%02x at %d", uint8(op), off-OpcodeSize)
		}
	}
}
