package metrics

import (
	"sync/atomic"
	"time"
)

// Sink receives protocol engine counters. The engine treats it as opaque;
// implementations must be safe for concurrent use and must never block.
type Sink interface {
	CountDatagramIn(bytes int)
	CountDatagramOut(bytes int)
	CountParseFailure()
	CountResend()
	CountDroppedPacket()
	CountDesync()
	ObserveRequestTime(d time.Duration)
}

// Counters is the in-process Sink used by the status feed.
type Counters struct {
	datagramsIn     atomic.Int64
	datagramsOut    atomic.Int64
	bytesIn         atomic.Int64
	bytesOut        atomic.Int64
	parseFailures   atomic.Int64
	resends         atomic.Int64
	droppedPackets  atomic.Int64
	desyncs         atomic.Int64
	requestTimeSum  atomic.Int64
	requestsHandled atomic.Int64
}

func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) CountDatagramIn(bytes int) {
	c.datagramsIn.Add(1)
	c.bytesIn.Add(int64(bytes))
}

func (c *Counters) CountDatagramOut(bytes int) {
	c.datagramsOut.Add(1)
	c.bytesOut.Add(int64(bytes))
}

func (c *Counters) CountParseFailure() { c.parseFailures.Add(1) }

func (c *Counters) CountResend() { c.resends.Add(1) }

func (c *Counters) CountDroppedPacket() { c.droppedPackets.Add(1) }

func (c *Counters) CountDesync() { c.desyncs.Add(1) }

func (c *Counters) ObserveRequestTime(d time.Duration) {
	c.requestTimeSum.Add(int64(d))
	c.requestsHandled.Add(1)
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	DatagramsIn    int64 `json:"datagramsIn"`
	DatagramsOut   int64 `json:"datagramsOut"`
	BytesIn        int64 `json:"bytesIn"`
	BytesOut       int64 `json:"bytesOut"`
	ParseFailures  int64 `json:"parseFailures"`
	Resends        int64 `json:"resends"`
	DroppedPackets int64 `json:"droppedPackets"`
	Desyncs        int64 `json:"desyncs"`
	AvgRequestUs   int64 `json:"avgRequestUs"`
}

func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		DatagramsIn:    c.datagramsIn.Load(),
		DatagramsOut:   c.datagramsOut.Load(),
		BytesIn:        c.bytesIn.Load(),
		BytesOut:       c.bytesOut.Load(),
		ParseFailures:  c.parseFailures.Load(),
		Resends:        c.resends.Load(),
		DroppedPackets: c.droppedPackets.Load(),
		Desyncs:        c.desyncs.Load(),
	}
	if handled := c.requestsHandled.Load(); handled > 0 {
		s.AvgRequestUs = time.Duration(c.requestTimeSum.Load() / handled).Microseconds()
	}
	return s
}

// Nop discards every observation.
type Nop struct{}

func (Nop) CountDatagramIn(int)              {}
func (Nop) CountDatagramOut(int)             {}
func (Nop) CountParseFailure()               {}
func (Nop) CountResend()                     {}
func (Nop) CountDroppedPacket()              {}
func (Nop) CountDesync()                     {}
func (Nop) ObserveRequestTime(time.Duration) {}
