package errors

import "fmt"

type Underflow struct {
	MessageName string
	MsgSize     int
	MinimumSize int
}

func (e *Underflow) Error() string {
	return fmt.Sprintf("Message parsing underflowed (type=%s), provided %d bytes, needed at least %d", e.MessageName, e.MsgSize, e.MinimumSize)
}

type MalformedBody struct {
	MessageName string
	Reason      string
}

func (e *MalformedBody) Error() string {
	return fmt.Sprintf("Malformed %s body: %s", e.MessageName, e.Reason)
}

type UnknownMessageType struct {
	TypeId uint8
}

func (e *UnknownMessageType) Error() string {
	return fmt.Sprintf("Unknown message type discriminant 0x%02X", e.TypeId)
}

type BadBundleHeader struct {
	Reason       string
	PayloadSize  int
	MessageCount int
}

func (e *BadBundleHeader) Error() string {
	return fmt.Sprintf("Bad bundle header (%s): payload=%d bytes, declared count=%d", e.Reason, e.PayloadSize, e.MessageCount)
}

type BundleMessageParse struct {
	Index         int
	MessageNumber uint16
	Underlying    error
}

func (e *BundleMessageParse) Error() string {
	return fmt.Sprintf("Failed parsing bundle message %d (number=%d): %v", e.Index, e.MessageNumber, e.Underlying)
}

func (e *BundleMessageParse) Unwrap() error {
	return e.Underlying
}

type UnsupportedCharset struct {
	Name string
}

func (e *UnsupportedCharset) Error() string {
	return fmt.Sprintf("Unsupported wire charset %q", e.Name)
}
