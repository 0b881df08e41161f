package replay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func sessionDir(t *testing.T, root string) string {
	t.Helper()
	entries, readErr := os.ReadDir(root)
	if readErr != nil {
		t.Fatalf("failed to list replay root: %v", readErr)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one session directory, found %d", len(entries))
	}
	return filepath.Join(root, entries[0].Name())
}

func TestRecorderWritesManifestAndFrames(t *testing.T) {
	root := t.TempDir()
	at := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	recorder, createErr := CreateRecorder(RecorderParams{Root: root, Clock: fixedClock(at)})
	if createErr != nil {
		t.Fatalf("failed to create recorder: %v", createErr)
	}

	recorder.StartGame(7, "Street Fighter II", []string{"alice", "bob"})
	recorder.RecordFrame(7, 1, []byte{0x01, 0x02})
	recorder.RecordFrame(7, 2, []byte{0x03, 0x04, 0x05})
	recorder.EndGame(7)

	dir := sessionDir(t, root)

	manifestData, readErr := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if readErr != nil {
		t.Fatalf("failed to read manifest: %v", readErr)
	}
	var manifest Manifest
	if unmarshalErr := json.Unmarshal(manifestData, &manifest); unmarshalErr != nil {
		t.Fatalf("failed to parse manifest: %v", unmarshalErr)
	}
	if manifest.RomName != "Street Fighter II" {
		t.Errorf("manifest rom name: expected %q, got %q", "Street Fighter II", manifest.RomName)
	}
	if len(manifest.Players) != 2 || manifest.Players[0] != "alice" {
		t.Errorf("manifest players: expected [alice bob], got %v", manifest.Players)
	}

	frameFile, openErr := os.Open(filepath.Join(dir, manifest.FramesPath))
	if openErr != nil {
		t.Fatalf("failed to open frame stream: %v", openErr)
	}
	defer frameFile.Close()
	frameReader, zstdErr := zstd.NewReader(frameFile)
	if zstdErr != nil {
		t.Fatalf("failed to open zstd reader: %v", zstdErr)
	}
	defer frameReader.Close()

	type frame struct {
		ordinal uint32
		player  uint8
		payload []byte
	}
	var frames []frame
	for {
		header := make([]byte, 9)
		if _, readFrameErr := io.ReadFull(frameReader, header); readFrameErr == io.EOF {
			break
		} else if readFrameErr != nil {
			t.Fatalf("failed to read frame header: %v", readFrameErr)
		}
		payload := make([]byte, binary.LittleEndian.Uint32(header[5:9]))
		if _, readFrameErr := io.ReadFull(frameReader, payload); readFrameErr != nil {
			t.Fatalf("failed to read frame payload: %v", readFrameErr)
		}
		frames = append(frames, frame{
			ordinal: binary.LittleEndian.Uint32(header[0:4]),
			player:  header[4],
			payload: payload,
		})
	}

	if len(frames) != 2 {
		t.Fatalf("expected 2 recorded frames, got %d", len(frames))
	}
	if frames[0].ordinal != 0 || frames[0].player != 1 || len(frames[0].payload) != 2 {
		t.Errorf("unexpected first frame: %+v", frames[0])
	}
	if frames[1].ordinal != 1 || frames[1].player != 2 || len(frames[1].payload) != 3 {
		t.Errorf("unexpected second frame: %+v", frames[1])
	}
}

func TestRecorderWritesStartAndEndEvents(t *testing.T) {
	root := t.TempDir()
	recorder, createErr := CreateRecorder(RecorderParams{Root: root})
	if createErr != nil {
		t.Fatalf("failed to create recorder: %v", createErr)
	}

	recorder.StartGame(3, "Metal Slug", []string{"carol"})
	recorder.EndGame(3)

	dir := sessionDir(t, root)
	eventFile, openErr := os.Open(filepath.Join(dir, "events.jsonl.sz"))
	if openErr != nil {
		t.Fatalf("failed to open event stream: %v", openErr)
	}
	defer eventFile.Close()

	var events []struct {
		Type    string   `json:"type"`
		Players []string `json:"players"`
	}
	scanner := bufio.NewScanner(snappy.NewReader(eventFile))
	for scanner.Scan() {
		var event struct {
			Type    string   `json:"type"`
			Players []string `json:"players"`
		}
		if unmarshalErr := json.Unmarshal(scanner.Bytes(), &event); unmarshalErr != nil {
			t.Fatalf("failed to parse event line %q: %v", scanner.Text(), unmarshalErr)
		}
		events = append(events, event)
	}
	if scanErr := scanner.Err(); scanErr != nil {
		t.Fatalf("failed to scan event stream: %v", scanErr)
	}

	if len(events) != 2 {
		t.Fatalf("expected start and end events, got %d events", len(events))
	}
	if events[0].Type != "start" || len(events[0].Players) != 1 || events[0].Players[0] != "carol" {
		t.Errorf("unexpected start event: %+v", events[0])
	}
	if events[1].Type != "end" {
		t.Errorf("unexpected end event: %+v", events[1])
	}
}

func TestRecorderIgnoresUnknownSession(t *testing.T) {
	recorder, createErr := CreateRecorder(RecorderParams{Root: t.TempDir()})
	if createErr != nil {
		t.Fatalf("failed to create recorder: %v", createErr)
	}

	// Neither call may panic or create files for a session that never started.
	recorder.RecordFrame(99, 1, []byte{0x01})
	recorder.EndGame(99)
}

func TestRecorderRequiresRoot(t *testing.T) {
	if _, createErr := CreateRecorder(RecorderParams{}); createErr == nil {
		t.Fatalf("expected an error for a missing root directory")
	}
}
