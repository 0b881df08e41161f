package relay

import (
	"testing"

	"github.com/openretro/kaillerad/pkg/kwire"
)

func framedKeepAlive(n uint16) kwire.Framed {
	return kwire.Framed{Number: n, Message: &kwire.KeepAlive{}}
}

func TestLastMessageBufferRecentNewestFirst(t *testing.T) {
	var b LastMessageBuffer
	for n := uint16(0); n < 5; n++ {
		b.Add(framedKeepAlive(n))
	}

	got := b.Recent(nil, 3)
	if len(got) != 3 {
		t.Fatalf("got %d frames, want 3", len(got))
	}
	for i, want := range []uint16{4, 3, 2} {
		if got[i].Number != want {
			t.Fatalf("frame %d has number %d, want %d", i, got[i].Number, want)
		}
	}
}

func TestLastMessageBufferOverwritesOldest(t *testing.T) {
	var b LastMessageBuffer
	for n := uint16(0); n < 30; n++ {
		b.Add(framedKeepAlive(n))
	}
	if b.Size() != historyCapacity {
		t.Fatalf("size %d, want %d", b.Size(), historyCapacity)
	}

	got := b.Recent(nil, historyCapacity)
	if len(got) != historyCapacity {
		t.Fatalf("got %d frames, want %d", len(got), historyCapacity)
	}
	if got[0].Number != 29 {
		t.Fatalf("newest frame %d, want 29", got[0].Number)
	}
	if got[historyCapacity-1].Number != 21 {
		t.Fatalf("oldest retained frame %d, want 21", got[historyCapacity-1].Number)
	}
}

func TestLastMessageBufferRecentClampsToSize(t *testing.T) {
	var b LastMessageBuffer
	b.Add(framedKeepAlive(7))

	got := b.Recent(nil, historyCapacity)
	if len(got) != 1 || got[0].Number != 7 {
		t.Fatalf("got %v, want single frame 7", got)
	}
}
