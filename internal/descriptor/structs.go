// Package descriptor implements the hardware-visible task descriptor: the
// fixed header, the pre/post action-list encoding, and the computed layout
// of every region inside one descriptor slot. All fields are little-endian
// and live at documented offsets; the engine consumes the raw bytes.
package descriptor

import (
	"encoding/binary"
	"errors"
	"unsafe"
)

// ErrShortBuffer is returned when a marshal/unmarshal target cannot hold the
// record at the requested offset.
var ErrShortBuffer = errors.New("descriptor: buffer too short")

// TaskDescriptor is the fixed 48-byte header at offset 0 of every slot.
//
// Wire layout (packed little-endian):
//
//	off  size  field
//	0    8     next           physical address of the next descriptor, 0 = tail
//	8    1     version
//	9    1     engine_id
//	10   2     size           total descriptor size in bytes
//	12   4     sequence
//	16   2     queue_id
//	18   1     num_preactions
//	19   1     num_postactions
//	20   2     preactions     offset of the pre-action list header
//	22   2     postactions    offset of the post-action list header
//	24   4     flags
//	28   2     num_addresses
//	30   2     reserved
//	32   8     address_list   IOVA of the address list region
//	40   8     timeout        engine-interpreted, microseconds
type TaskDescriptor struct {
	Next           uint64
	Version        uint8
	EngineID       uint8
	Size           uint16
	Sequence       uint32
	QueueID        uint16
	NumPreactions  uint8
	NumPostactions uint8
	Preactions     uint16
	Postactions    uint16
	Flags          uint32
	NumAddresses   uint16
	Reserved       uint16
	AddressList    uint64
	Timeout        uint64
}

// The Go struct packs naturally to the wire size; keep it that way.
var _ [HeaderSize]byte = [unsafe.Sizeof(TaskDescriptor{})]byte{}

// MarshalTo writes the header into buf[0:HeaderSize].
func (d *TaskDescriptor) MarshalTo(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrShortBuffer
	}

	binary.LittleEndian.PutUint64(buf[0:8], d.Next)
	buf[8] = d.Version
	buf[9] = d.EngineID
	binary.LittleEndian.PutUint16(buf[10:12], d.Size)
	binary.LittleEndian.PutUint32(buf[12:16], d.Sequence)
	binary.LittleEndian.PutUint16(buf[16:18], d.QueueID)
	buf[18] = d.NumPreactions
	buf[19] = d.NumPostactions
	binary.LittleEndian.PutUint16(buf[20:22], d.Preactions)
	binary.LittleEndian.PutUint16(buf[22:24], d.Postactions)
	binary.LittleEndian.PutUint32(buf[24:28], d.Flags)
	binary.LittleEndian.PutUint16(buf[28:30], d.NumAddresses)
	binary.LittleEndian.PutUint16(buf[30:32], d.Reserved)
	binary.LittleEndian.PutUint64(buf[32:40], d.AddressList)
	binary.LittleEndian.PutUint64(buf[40:48], d.Timeout)

	return nil
}

// UnmarshalFrom reads the header from buf[0:HeaderSize].
func (d *TaskDescriptor) UnmarshalFrom(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrShortBuffer
	}

	d.Next = binary.LittleEndian.Uint64(buf[0:8])
	d.Version = buf[8]
	d.EngineID = buf[9]
	d.Size = binary.LittleEndian.Uint16(buf[10:12])
	d.Sequence = binary.LittleEndian.Uint32(buf[12:16])
	d.QueueID = binary.LittleEndian.Uint16(buf[16:18])
	d.NumPreactions = buf[18]
	d.NumPostactions = buf[19]
	d.Preactions = binary.LittleEndian.Uint16(buf[20:22])
	d.Postactions = binary.LittleEndian.Uint16(buf[22:24])
	d.Flags = binary.LittleEndian.Uint32(buf[24:28])
	d.NumAddresses = binary.LittleEndian.Uint16(buf[28:30])
	d.Reserved = binary.LittleEndian.Uint16(buf[30:32])
	d.AddressList = binary.LittleEndian.Uint64(buf[32:40])
	d.Timeout = binary.LittleEndian.Uint64(buf[40:48])

	return nil
}

// PatchNext rewrites only the next pointer of an already-marshalled header.
// Submission links a new task by patching its predecessor's descriptor in
// place, so this must not disturb any other field.
func PatchNext(buf []byte, next uint64) error {
	if len(buf) < 8 {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint64(buf[0:8], next)
	return nil
}

// ActionList is one list header: where the action byte stream starts within
// the descriptor and how many bytes it holds including the terminate opcode.
//
//	off  size  field
//	0    2     offset
//	2    2     size
type ActionList struct {
	Offset uint16
	Size   uint16
}

var _ [ActionListHeaderSize]byte = [unsafe.Sizeof(ActionList{})]byte{}

// MarshalAt writes the list header at buf[off:].
func (a *ActionList) MarshalAt(buf []byte, off int) error {
	if off < 0 || len(buf) < off+ActionListHeaderSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint16(buf[off:off+2], a.Offset)
	binary.LittleEndian.PutUint16(buf[off+2:off+4], a.Size)
	return nil
}

// UnmarshalAt reads the list header at buf[off:].
func (a *ActionList) UnmarshalAt(buf []byte, off int) error {
	if off < 0 || len(buf) < off+ActionListHeaderSize {
		return ErrShortBuffer
	}
	a.Offset = binary.LittleEndian.Uint16(buf[off : off+2])
	a.Size = binary.LittleEndian.Uint16(buf[off+2 : off+4])
	return nil
}

// StatusNotification is the trailing completion record the engine fills when
// the task finishes. The profiling fields are opaque to this layer.
//
//	off  size  field
//	0    8     timestamp    engine completion timestamp, unit engine-defined
//	8    4     info32       engine profiling word
//	12   2     info16       reserved by firmware
//	14   2     status       completion status, 0 = success
type StatusNotification struct {
	Timestamp uint64
	Info32    uint32
	Info16    uint16
	Status    uint16
}

var _ [NotificationSize]byte = [unsafe.Sizeof(StatusNotification{})]byte{}

// MarshalAt writes the notification record at buf[off:].
func (n *StatusNotification) MarshalAt(buf []byte, off int) error {
	if off < 0 || len(buf) < off+NotificationSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint64(buf[off:off+8], n.Timestamp)
	binary.LittleEndian.PutUint32(buf[off+8:off+12], n.Info32)
	binary.LittleEndian.PutUint16(buf[off+12:off+14], n.Info16)
	binary.LittleEndian.PutUint16(buf[off+14:off+16], n.Status)
	return nil
}

// UnmarshalAt reads the notification record at buf[off:].
func (n *StatusNotification) UnmarshalAt(buf []byte, off int) error {
	if off < 0 || len(buf) < off+NotificationSize {
		return ErrShortBuffer
	}
	n.Timestamp = binary.LittleEndian.Uint64(buf[off : off+8])
	n.Info32 = binary.LittleEndian.Uint32(buf[off+8 : off+12])
	n.Info16 = binary.LittleEndian.Uint16(buf[off+12 : off+14])
	n.Status = binary.LittleEndian.Uint16(buf[off+14 : off+16])
	return nil
}

// PutAddressEntry writes the i-th 8-byte entry of the address list region
// starting at base.
func PutAddressEntry(buf []byte, base, i int, addr uint64) error {
	off := base + i*AddressEntrySize
	if off < 0 || len(buf) < off+AddressEntrySize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint64(buf[off:off+8], addr)
	return nil
}

// AddressEntry reads the i-th entry of the address list region at base.
func AddressEntry(buf []byte, base, i int) (uint64, error) {
	off := base + i*AddressEntrySize
	if off < 0 || len(buf) < off+AddressEntrySize {
		return 0, ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(buf[off : off+8]), nil
}
