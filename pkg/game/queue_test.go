package game

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestQueueDeliversInOrder(t *testing.T) {
	q := NewActionQueue(1, 2, 64, 50*time.Millisecond)
	q.MarkSynched()
	q.AddActions([]byte{1, 2, 3, 4})

	dst := make([]byte, 2)
	for _, want := range [][]byte{{1, 2}, {3, 4}} {
		res := q.ReadActions(0, dst)
		if res.Status != ReadOk {
			t.Fatalf("expected ReadOk, got status %v", res.Status)
		}
		if !bytes.Equal(dst, want) {
			t.Fatalf("expected %v, got %v", want, dst)
		}
	}
}

func TestQueueCursorsAreIndependent(t *testing.T) {
	q := NewActionQueue(1, 2, 64, 50*time.Millisecond)
	q.MarkSynched()
	q.AddActions([]byte{10, 20, 30})

	dst := make([]byte, 3)
	if res := q.ReadActions(0, dst); res.Status != ReadOk {
		t.Fatalf("consumer 0 read failed with status %v", res.Status)
	}

	// Consumer 1 has not read yet and must still see everything.
	if res := q.ReadActions(1, dst); res.Status != ReadOk {
		t.Fatalf("consumer 1 read failed with status %v", res.Status)
	}
	if !bytes.Equal(dst, []byte{10, 20, 30}) {
		t.Fatalf("consumer 1 saw %v", dst)
	}
}

func TestQueueBlockingReadWakesOnWrite(t *testing.T) {
	q := NewActionQueue(1, 1, 64, 2*time.Second)
	q.MarkSynched()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.AddActions([]byte{7, 8})
	}()

	dst := make([]byte, 2)
	start := time.Now()
	res := q.ReadActions(0, dst)
	if res.Status != ReadOk {
		t.Fatalf("expected ReadOk, got status %v", res.Status)
	}
	if elapsed := time.Since(start); elapsed >= 2*time.Second {
		t.Fatalf("read did not wake on write, took %v", elapsed)
	}
	if !bytes.Equal(dst, []byte{7, 8}) {
		t.Fatalf("got %v", dst)
	}
}

func TestQueueTimeoutOrdinalsIncrease(t *testing.T) {
	q := NewActionQueue(3, 1, 64, 5*time.Millisecond)
	q.MarkSynched()

	dst := make([]byte, 4)
	first := q.ReadActions(0, dst)
	second := q.ReadActions(0, dst)
	if first.Status != ReadTimeout || second.Status != ReadTimeout {
		t.Fatalf("expected two timeouts, got %v and %v", first.Status, second.Status)
	}
	if first.Producer != 3 || second.Producer != 3 {
		t.Fatalf("timeout did not carry producer number: %+v %+v", first, second)
	}
	if second.Ordinal <= first.Ordinal {
		t.Fatalf("ordinals must increase: %d then %d", first.Ordinal, second.Ordinal)
	}
}

func TestQueueStartsDesynced(t *testing.T) {
	q := NewActionQueue(1, 1, 64, 50*time.Millisecond)

	dst := make([]byte, 1)
	if res := q.ReadActions(0, dst); res.Status != ReadDesynced {
		t.Fatalf("expected ReadDesynced before MarkSynched, got %v", res.Status)
	}
}

func TestQueueDesyncReleasesBlockedReader(t *testing.T) {
	q := NewActionQueue(1, 1, 64, 5*time.Second)
	q.MarkSynched()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.MarkDesynced()
	}()

	dst := make([]byte, 2)
	start := time.Now()
	res := q.ReadActions(0, dst)
	if res.Status != ReadDesynced {
		t.Fatalf("expected ReadDesynced, got %v", res.Status)
	}
	if elapsed := time.Since(start); elapsed >= 5*time.Second {
		t.Fatalf("desync did not release the reader, took %v", elapsed)
	}
}

func TestQueueDropsWritesWhileDesynced(t *testing.T) {
	q := NewActionQueue(1, 1, 64, 5*time.Millisecond)
	q.AddActions([]byte{1, 2, 3})
	q.MarkSynched()

	dst := make([]byte, 3)
	if res := q.ReadActions(0, dst); res.Status != ReadTimeout {
		t.Fatalf("pre-sync write should have been dropped, got status %v", res.Status)
	}
}

func TestQueueRejectsWritesBeyondSlowestReader(t *testing.T) {
	q := NewActionQueue(1, 2, 16, 50*time.Millisecond)
	q.MarkSynched()

	original := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := q.AddActions(original); err != nil {
		t.Fatalf("first write failed: %v", err)
	}

	// Consumer 0 catches up; consumer 1 leaves all eight bytes unread.
	dst := make([]byte, 8)
	if res := q.ReadActions(0, dst); res.Status != ReadOk {
		t.Fatalf("consumer 0 read failed with status %v", res.Status)
	}

	var full *BufferFullError
	if err := q.AddActions(make([]byte, 12)); !errors.As(err, &full) {
		t.Fatalf("expected BufferFullError, got %v", err)
	}

	// The rejected write must not have disturbed the unread bytes, and a
	// write that fits the remaining space still goes through.
	if err := q.AddActions([]byte{9, 10}); err != nil {
		t.Fatalf("fitting write failed: %v", err)
	}
	if res := q.ReadActions(1, dst); res.Status != ReadOk {
		t.Fatalf("consumer 1 read failed with status %v", res.Status)
	}
	if !bytes.Equal(dst, original) {
		t.Fatalf("consumer 1 saw %v, want %v", dst, original)
	}
}

func TestQueueWrapsAround(t *testing.T) {
	q := NewActionQueue(1, 1, 8, 50*time.Millisecond)
	q.MarkSynched()

	dst := make([]byte, 6)
	for round := 0; round < 4; round++ {
		var data [6]byte
		for i := range data {
			data[i] = byte(round*6 + i)
		}
		q.AddActions(data[:])
		if res := q.ReadActions(0, dst); res.Status != ReadOk {
			t.Fatalf("round %d: status %v", round, res.Status)
		}
		if !bytes.Equal(dst, data[:]) {
			t.Fatalf("round %d: expected %v, got %v", round, data, dst)
		}
	}
}
