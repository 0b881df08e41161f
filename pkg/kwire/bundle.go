package kwire

import (
	"encoding/binary"

	"go.uber.org/zap"

	kerrors "github.com/openretro/kaillerad/pkg/errors"
)

const (
	// MaxBundleMessages is the most messages one datagram may declare.
	MaxBundleMessages = 32

	// MaxBundleBytes caps one encoded bundle; the encoder stops short of it
	// rather than erroring.
	MaxBundleBytes = 4096

	// bundleEntryHeaderSize covers number:u16 + length:u16 + type:u8.
	bundleEntryHeaderSize = 5
)

// Freshness window constants. These are tuned wrap-detection heuristics that
// deployed clients depend on, asymmetries included; do not re-derive them.
const (
	freshWrapAheadLimit  = 0x20
	freshWrapAheadFloor  = 0xFFDF
	freshWrapBehindLimit = 0xFFBF
	freshWrapBehindFloor = 0x40
)

// MessageIsNewer reports whether a bundled message number is ahead of the
// last delivered number, allowing numbers to wrap a bounded distance past
// 0xFFFF before they read as stale.
func MessageIsNewer(num, last uint16) bool {
	if num < freshWrapAheadLimit && last > freshWrapAheadFloor {
		return true
	}
	if num > freshWrapBehindLimit && last < freshWrapBehindFloor {
		return false
	}
	return num > last
}

// Framer packs messages into UDP bundle payloads and back. Bundles carry the
// most recent message first so a single datagram doubles as resend history.
type Framer struct {
	codec *Codec
	log   *zap.Logger
}

func NewFramer(codec *Codec, logger *zap.Logger) *Framer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Framer{
		codec: codec,
		log:   logger.With(zap.String("component", "framer")),
	}
}

// EncodeBundle writes up to maxToWrite frames, in the order given, into one
// datagram payload. When the payload would overflow it stops at the messages
// already written and logs, because a short bundle is recoverable by resend
// while an oversized datagram is not.
func (f *Framer) EncodeBundle(frames []Framed, maxToWrite int) ([]byte, error) {
	if maxToWrite > len(frames) {
		maxToWrite = len(frames)
	}
	if maxToWrite > MaxBundleMessages {
		maxToWrite = MaxBundleMessages
	}
	if maxToWrite < 1 {
		return nil, &kerrors.BadBundleHeader{
			Reason:       "no messages to bundle",
			MessageCount: maxToWrite,
		}
	}

	out := make([]byte, 1, 512)
	written := 0
	for i := 0; i < maxToWrite; i++ {
		body, encodeErr := f.codec.EncodeBody(frames[i].Message)
		if encodeErr != nil {
			return nil, encodeErr
		}
		if len(out)+bundleEntryHeaderSize+len(body) > MaxBundleBytes {
			f.log.Warn("Bundle payload capacity reached, dropping older history messages",
				zap.Int("written", written),
				zap.Int("requested", maxToWrite))
			break
		}

		out = binary.LittleEndian.AppendUint16(out, frames[i].Number)
		out = binary.LittleEndian.AppendUint16(out, uint16(len(body)+1))
		out = append(out, frames[i].Message.TypeId())
		out = append(out, body...)
		written++
	}

	if written == 0 {
		return nil, &kerrors.BadBundleHeader{
			Reason:       "first message alone exceeds bundle capacity",
			MessageCount: maxToWrite,
		}
	}

	out[0] = uint8(written)
	return out, nil
}

// DecodeBundle unpacks one datagram payload, keeping only messages newer than
// lastKnown. Returned frames are ordered oldest first, ready for in-order
// dispatch. An empty result with a nil error means the whole bundle was
// stale; any per-message parse failure aborts the whole decode.
func (f *Framer) DecodeBundle(payload []byte, lastKnown uint16) ([]Framed, error) {
	if len(payload) < 1+bundleEntryHeaderSize {
		return nil, &kerrors.BadBundleHeader{
			Reason:      "payload shorter than one framed message",
			PayloadSize: len(payload),
		}
	}

	count := int(payload[0])
	if count < 1 || count > MaxBundleMessages {
		return nil, &kerrors.BadBundleHeader{
			Reason:       "message count out of range",
			PayloadSize:  len(payload),
			MessageCount: count,
		}
	}
	if len(payload) < 1+count*(bundleEntryHeaderSize+1) {
		return nil, &kerrors.BadBundleHeader{
			Reason:       "payload too short for declared count",
			PayloadSize:  len(payload),
			MessageCount: count,
		}
	}

	// Common case: the bundle leads with exactly the next expected message
	// and everything behind it is history we already have.
	firstNumber := binary.LittleEndian.Uint16(payload[1:3])
	if FollowsInSequence(lastKnown, firstNumber) {
		frame, _, parseErr := f.parseEntry(payload, 1, 0)
		if parseErr != nil {
			return nil, parseErr
		}
		return []Framed{frame}, nil
	}

	accepted := make([]Framed, 0, count)
	offset := 1
	for i := 0; i < count; i++ {
		if len(payload) < offset+bundleEntryHeaderSize {
			return nil, &kerrors.BadBundleHeader{
				Reason:       "truncated message header",
				PayloadSize:  len(payload),
				MessageCount: count,
			}
		}
		number := binary.LittleEndian.Uint16(payload[offset : offset+2])
		if !MessageIsNewer(number, lastKnown) {
			break
		}

		frame, next, parseErr := f.parseEntry(payload, offset, i)
		if parseErr != nil {
			return nil, parseErr
		}
		accepted = append(accepted, frame)
		offset = next
	}

	// Wire order is newest first; flip to dispatch order.
	for i, j := 0, len(accepted)-1; i < j; i, j = i+1, j-1 {
		accepted[i], accepted[j] = accepted[j], accepted[i]
	}
	return accepted, nil
}

func (f *Framer) parseEntry(payload []byte, offset, index int) (Framed, int, error) {
	number := binary.LittleEndian.Uint16(payload[offset : offset+2])
	length := int(binary.LittleEndian.Uint16(payload[offset+2 : offset+4]))
	if length < 1 || len(payload) < offset+4+length {
		return Framed{}, 0, &kerrors.BundleMessageParse{
			Index:         index,
			MessageNumber: number,
			Underlying: &kerrors.BadBundleHeader{
				Reason:       "declared message length exceeds payload",
				PayloadSize:  len(payload),
				MessageCount: int(payload[0]),
			},
		}
	}

	typeId := payload[offset+4]
	body := payload[offset+5 : offset+4+length]
	msg, decodeErr := f.codec.DecodeBody(typeId, body)
	if decodeErr != nil {
		return Framed{}, 0, &kerrors.BundleMessageParse{
			Index:         index,
			MessageNumber: number,
			Underlying:    decodeErr,
		}
	}

	return Framed{Number: number, Message: msg}, offset + 4 + length, nil
}
