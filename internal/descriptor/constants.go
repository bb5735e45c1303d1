package descriptor

// ActionOpcode identifies one engine-interpreted action record. Wait-class
// opcodes live in 0x9x, write-class in 0xBx/0xCx, mirroring the firmware
// grouping.
type ActionOpcode uint8

const (
	// OpTerminate ends an action list. No payload.
	OpTerminate ActionOpcode = 0x00

	// OpSemaphoreGE blocks until the 32-bit word at addr is >= value
	// (serial-number comparison). Payload: addr + value.
	OpSemaphoreGE ActionOpcode = 0x90

	// OpTaskStatusEQ blocks until the status field of the 16-byte
	// notification record at addr equals the given status.
	// Payload: addr + status.
	OpTaskStatusEQ ActionOpcode = 0x94

	// OpWriteSemaphore stores value to the 32-bit word at addr. Writes that
	// land in the sync-counter window advance the counter instead.
	// Payload: addr + value.
	OpWriteSemaphore ActionOpcode = 0xB0

	// OpIncrementSemaphore adds value to the 32-bit word at addr.
	// Payload: addr + value.
	OpIncrementSemaphore ActionOpcode = 0xB4

	// OpWriteTimestampSemaphore stores value to the 32-bit word at addr and
	// the engine timestamp to the 64-bit word at addr+8.
	// Payload: addr + value.
	OpWriteTimestampSemaphore ActionOpcode = 0xB8

	// OpWriteTimestamp stores the engine timestamp to the 64-bit word at
	// addr. Payload: addr.
	OpWriteTimestamp ActionOpcode = 0xBC

	// OpWriteTaskStatus fills the 16-byte notification record at addr with
	// the engine timestamp, profiling words, and completion status. The
	// encoded status seeds the record's status field; a faulting engine
	// substitutes its own error code. Payload: addr + status.
	OpWriteTaskStatus ActionOpcode = 0xC0
)

// Wire sizes of the packed record payloads (the opcode byte is separate).
// Records are unaligned in the action stream.
const (
	// OpcodeSize is the size of the opcode byte itself
	OpcodeSize = 1

	// SemaphorePayloadSize is addr (8) + value (4)
	SemaphorePayloadSize = 12

	// StatusPayloadSize is addr (8) + status (2)
	StatusPayloadSize = 10

	// TimestampPayloadSize is addr (8)
	TimestampPayloadSize = 8

	// ActionListHeaderSize is offset (2) + size (2)
	ActionListHeaderSize = 4

	// AddressEntrySize is one 8-byte entry of the descriptor address list
	AddressEntrySize = 8

	// HeaderSize is the fixed descriptor header at offset 0
	HeaderSize = 48

	// NotificationSize is the trailing status-notification record
	NotificationSize = 16
)

// Descriptor header field values
const (
	// Version is the descriptor format version understood by the engine
	Version = 1

	// EngineID identifies the DLA-class engine in the descriptor header
	EngineID = 2
)

// Descriptor flag bits
const (
	// FlagBypassExec asks the engine to run pre/post actions but skip the
	// main workload
	FlagBypassExec uint32 = 1 << 0
)
