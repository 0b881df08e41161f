package kwire

import (
	"errors"
	"testing"

	kerrors "github.com/openretro/kaillerad/pkg/errors"
)

func asError[T error](err error, target *T) bool {
	return errors.As(err, target)
}

func newTestFramer(t *testing.T) *Framer {
	t.Helper()
	return NewFramer(newTestCodec(t), nil)
}

func encodeFrames(t *testing.T, f *Framer, frames ...Framed) []byte {
	t.Helper()
	payload, err := f.EncodeBundle(frames, len(frames))
	if err != nil {
		t.Fatalf("encode bundle: %v", err)
	}
	return payload
}

func TestBundleSingleMessageRoundTrip(t *testing.T) {
	f := newTestFramer(t)

	payload := encodeFrames(t, f, Framed{Number: 11, Message: &ChatRequest{Message: "hi"}})
	frames, err := f.DecodeBundle(payload, 10)
	if err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Number != 11 {
		t.Fatalf("expected message number 11, got %d", frames[0].Number)
	}
	if _, ok := frames[0].Message.(*ChatRequest); !ok {
		t.Fatalf("expected ChatRequest, got %T", frames[0].Message)
	}
}

func TestBundleSequenceWraparound(t *testing.T) {
	f := newTestFramer(t)

	// 0x0000 right after 0xFFFF is "+1", not stale.
	payload := encodeFrames(t, f, Framed{Number: 0x0000, Message: &KeepAlive{}})
	frames, err := f.DecodeBundle(payload, 0xFFFF)
	if err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if len(frames) != 1 || frames[0].Number != 0x0000 {
		t.Fatalf("wrapped +1 message rejected: %+v", frames)
	}
}

func TestBundleFreshnessWindow(t *testing.T) {
	if !MessageIsNewer(0x0010, 0xFFF0) {
		t.Fatalf("wrap-ahead number 0x0010 must be newer than 0xFFF0")
	}
	if MessageIsNewer(0xFFF0, 0x0005) {
		t.Fatalf("wrapped-behind number 0xFFF0 must be stale against 0x0005")
	}
	if !MessageIsNewer(0x0006, 0x0005) {
		t.Fatalf("plain successor must be newer")
	}
	if MessageIsNewer(0x0005, 0x0005) {
		t.Fatalf("equal numbers are never newer")
	}
	if MessageIsNewer(0x0004, 0x0005) {
		t.Fatalf("earlier number without wrap must be stale")
	}
}

func TestBundleAcceptsOnlyFreshMessages(t *testing.T) {
	f := newTestFramer(t)

	// Wire order: newest first. Last known is 12, so 14 and 13 are new and
	// 12 terminates the walk.
	payload := encodeFrames(t, f,
		Framed{Number: 14, Message: &ChatRequest{Message: "newest"}},
		Framed{Number: 13, Message: &ChatRequest{Message: "middle"}},
		Framed{Number: 12, Message: &ChatRequest{Message: "old"}},
	)

	frames, err := f.DecodeBundle(payload, 12)
	if err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 fresh frames, got %d", len(frames))
	}
	// Dispatch order is oldest first.
	if frames[0].Number != 13 || frames[1].Number != 14 {
		t.Fatalf("frames out of dispatch order: %d then %d", frames[0].Number, frames[1].Number)
	}
}

func TestBundleAllStaleReturnsEmpty(t *testing.T) {
	f := newTestFramer(t)

	payload := encodeFrames(t, f,
		Framed{Number: 9, Message: &KeepAlive{}},
		Framed{Number: 8, Message: &KeepAlive{}},
	)

	frames, err := f.DecodeBundle(payload, 20)
	if err != nil {
		t.Fatalf("stale bundle must not error: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no fresh frames, got %d", len(frames))
	}
}

func TestBundleFastPathParsesOnlyFirst(t *testing.T) {
	f := newTestFramer(t)

	// Second entry is garbage, but the fast path (first number == last+1)
	// must never look at it.
	payload := encodeFrames(t, f,
		Framed{Number: 21, Message: &ChatRequest{Message: "new"}},
		Framed{Number: 20, Message: &ChatRequest{Message: "history"}},
	)
	payload[len(payload)-1] = 0xFF // strip the trailing NUL of the history entry

	frames, err := f.DecodeBundle(payload, 20)
	if err != nil {
		t.Fatalf("fast path decode: %v", err)
	}
	if len(frames) != 1 || frames[0].Number != 21 {
		t.Fatalf("fast path must return exactly the first message, got %+v", frames)
	}
}

func TestBundleRejectsBadHeaders(t *testing.T) {
	f := newTestFramer(t)
	var badHeader *kerrors.BadBundleHeader

	if _, err := f.DecodeBundle([]byte{1, 2, 3}, 0); !asError(err, &badHeader) {
		t.Fatalf("expected header error for undersized payload, got %v", err)
	}

	payload := encodeFrames(t, f, Framed{Number: 1, Message: &KeepAlive{}})
	payload[0] = 0
	if _, err := f.DecodeBundle(payload, 0); !asError(err, &badHeader) {
		t.Fatalf("expected header error for zero count, got %v", err)
	}

	payload[0] = 33
	if _, err := f.DecodeBundle(payload, 0); !asError(err, &badHeader) {
		t.Fatalf("expected header error for oversized count, got %v", err)
	}

	payload[0] = 4
	if _, err := f.DecodeBundle(payload, 0); !asError(err, &badHeader) {
		t.Fatalf("expected header error for count exceeding payload, got %v", err)
	}
}

func TestBundleParseFailureAbortsDecode(t *testing.T) {
	f := newTestFramer(t)

	payload := encodeFrames(t, f,
		Framed{Number: 31, Message: &UserJoined{Username: "ryu", UserId: 1, Ping: 5, ConnectionType: ConnectionTypeLAN}},
		Framed{Number: 30, Message: &KeepAlive{}},
	)
	// Last known 20 vs first number 31 forces the walk path. Corrupting the
	// first message's connection type byte must abort the whole bundle.
	payload[16] = 0xFF

	_, err := f.DecodeBundle(payload, 20)
	var parseFailure *kerrors.BundleMessageParse
	if !asError(err, &parseFailure) {
		t.Fatalf("expected bundle parse error, got %v", err)
	}
}

func TestBundleEncodeStopsAtCapacity(t *testing.T) {
	f := newTestFramer(t)

	big := make([]byte, 1500)
	frames := []Framed{
		{Number: 3, Message: &GameData{Data: big}},
		{Number: 2, Message: &GameData{Data: big}},
		{Number: 1, Message: &GameData{Data: big}},
	}

	payload, err := f.EncodeBundle(frames, len(frames))
	if err != nil {
		t.Fatalf("encode at capacity must not error: %v", err)
	}
	if payload[0] != 2 {
		t.Fatalf("expected encoder to stop after 2 messages, wrote %d", payload[0])
	}
	if len(payload) > MaxBundleBytes {
		t.Fatalf("payload exceeds capacity: %d bytes", len(payload))
	}
}
