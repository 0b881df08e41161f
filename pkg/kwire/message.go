package kwire

// Type discriminants of the v.086 protocol. One byte on the wire, shared by
// the request and notification flavors of the dual-variant families.
const (
	TypeQuit               uint8 = 0x01
	TypeUserJoined         uint8 = 0x02
	TypeUserInformation    uint8 = 0x03
	TypeServerStatus       uint8 = 0x04
	TypeServerAck          uint8 = 0x05
	TypeClientAck          uint8 = 0x06
	TypeChat               uint8 = 0x07
	TypeGameChat           uint8 = 0x08
	TypeKeepAlive          uint8 = 0x09
	TypeCreateGame         uint8 = 0x0A
	TypeQuitGame           uint8 = 0x0B
	TypeJoinGame           uint8 = 0x0C
	TypePlayerInformation  uint8 = 0x0D
	TypeGameStatus         uint8 = 0x0E
	TypeGameKick           uint8 = 0x0F
	TypeCloseGame          uint8 = 0x10
	TypeStartGame          uint8 = 0x11
	TypeGameData           uint8 = 0x12
	TypeCachedGameData     uint8 = 0x13
	TypePlayerDrop         uint8 = 0x14
	TypeAllReady           uint8 = 0x15
	TypeConnectionRejected uint8 = 0x16
	TypeInformationMessage uint8 = 0x17
)

// MaxTypeId bounds the discriminant space for dispatch tables.
const MaxTypeId uint8 = 0x17

// Message is one protocol message body. The message number lives in the
// bundle frame, not the body, so the same value can be re-framed on resend.
type Message interface {
	TypeId() uint8
	MessageName() string
}

// Framed pairs a message with the per-direction sequence number it was (or
// will be) transmitted under.
type Framed struct {
	Number  uint16
	Message Message
}

// NextMessageNumber advances a per-direction sequence counter. Wraps to 0
// after 0xFFFF.
func NextMessageNumber(n uint16) uint16 {
	return n + 1
}

// FollowsInSequence reports whether next is exactly one ahead of prev,
// treating 0 as the successor of 0xFFFF.
func FollowsInSequence(prev, next uint16) bool {
	return next == prev+1
}

// Sentinel field values that mark the "request" flavor of dual-variant
// message families. The wire format carries no request/notification tag;
// clients rely on these exact values.
const (
	sentinelUserId uint16 = 0xFFFF
	sentinelGameId uint16 = 0xFFFF
	sentinelVal1   uint16 = 0xFFFF
	sentinelSlot   uint8  = 0xFF
)
