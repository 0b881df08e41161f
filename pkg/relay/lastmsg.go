package relay

import "github.com/openretro/kaillerad/pkg/kwire"

// historyCapacity bounds the resend window; the protocol never asks a peer
// to replay more than this many messages. Fresh sends carry the smaller
// sendWindow of trailing history on every datagram.
const (
	historyCapacity = 9
	sendWindow      = 5
)

// LastMessageBuffer is a fixed ring of the most recent outbound frames.
// Every datagram we send doubles as the resend history for the ones before
// it, so the buffer is consulted on every transmit, not just on retries.
type LastMessageBuffer struct {
	entries [historyCapacity]kwire.Framed
	next    int
	size    int
}

func (b *LastMessageBuffer) Add(f kwire.Framed) {
	b.entries[b.next] = f
	b.next = (b.next + 1) % historyCapacity
	if b.size < historyCapacity {
		b.size++
	}
}

func (b *LastMessageBuffer) Size() int {
	return b.size
}

// Recent appends up to k of the newest frames to dst, newest first, which
// is the order the wire bundle wants them in.
func (b *LastMessageBuffer) Recent(dst []kwire.Framed, k int) []kwire.Framed {
	if k > b.size {
		k = b.size
	}
	for i := 1; i <= k; i++ {
		dst = append(dst, b.entries[(b.next-i+historyCapacity)%historyCapacity])
	}
	return dst
}
