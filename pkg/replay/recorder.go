package replay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

var romNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const (
	manifestVersion  = 1
	manifestFilename = "manifest.json"
	eventsFilename   = "events.jsonl.sz"
	framesFilename   = "frames.bin.zst"
)

// Manifest describes one recorded session so playback tooling can locate
// its artifacts without guessing filenames.
type Manifest struct {
	Version    int      `json:"version"`
	CreatedAt  string   `json:"createdAt"`
	RomName    string   `json:"romName"`
	Players    []string `json:"players"`
	EventsPath string   `json:"eventsPath"`
	FramesPath string   `json:"framesPath"`
}

type RecorderParams struct {
	Logger *zap.Logger

	// Root is the directory that receives one subdirectory per recorded
	// session. It is created on demand.
	Root string

	Clock func() time.Time
}

// Recorder persists per-session input streams to disk. Each session gets a
// snappy-framed JSONL event log and a zstd stream of length-prefixed input
// frames. Recording failures are logged and disable that session's sinks
// rather than disturbing the game.
type Recorder struct {
	log   *zap.Logger
	root  string
	clock func() time.Time

	mut_sessions sync.Mutex
	sessions     map[uint32]*recording
}

// recording owns the sinks for one session. Frames arrive concurrently
// from every player's read goroutine, so all writes go through mut_sinks.
type recording struct {
	dir string

	mut_sinks   sync.Mutex
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	frameCount  uint32
	broken      bool
}

func CreateRecorder(params RecorderParams) (*Recorder, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	if params.Root == "" {
		return nil, &MissingRootError{}
	}
	if mkdirErr := os.MkdirAll(params.Root, 0o755); mkdirErr != nil {
		return nil, mkdirErr
	}

	return &Recorder{
		log:      logger.With(zap.String("component", "replay")),
		root:     params.Root,
		clock:    clock,
		sessions: make(map[uint32]*recording),
	}, nil
}

// StartGame opens the sinks for a new session. A session already recording
// under the same id is closed first.
func (r *Recorder) StartGame(gameId uint32, romName string, players []string) {
	created := r.clock().UTC()
	cleaned := romNameCleaner.ReplaceAllString(romName, "")
	if cleaned == "" {
		cleaned = "game"
	}
	dir := filepath.Join(r.root, fmt.Sprintf("%s-%d-%s", cleaned, gameId, created.Format("20060102T150405Z")))

	session, openErr := openRecording(dir, created, romName, players)
	if openErr != nil {
		r.log.Warn("Failed to open replay sinks", zap.Uint32("gameId", gameId), zap.Error(openErr))
		return
	}

	r.mut_sessions.Lock()
	old := r.sessions[gameId]
	r.sessions[gameId] = session
	r.mut_sessions.Unlock()
	if old != nil {
		old.close()
	}

	if eventErr := session.appendEvent(created, "start", players); eventErr != nil {
		r.log.Warn("Failed to record start event", zap.Uint32("gameId", gameId), zap.Error(eventErr))
	}
	r.log.Info("Recording session", zap.Uint32("gameId", gameId), zap.String("dir", dir))
}

// RecordFrame appends one player's raw input data for the current frame.
func (r *Recorder) RecordFrame(gameId uint32, playerNumber int, data []byte) {
	r.mut_sessions.Lock()
	session := r.sessions[gameId]
	r.mut_sessions.Unlock()
	if session == nil {
		return
	}

	if writeErr := session.appendFrame(playerNumber, data); writeErr != nil {
		r.log.Warn("Failed to record frame, recording disabled for session",
			zap.Uint32("gameId", gameId), zap.Error(writeErr))
	}
}

// EndGame flushes and closes the session's sinks.
func (r *Recorder) EndGame(gameId uint32) {
	r.mut_sessions.Lock()
	session := r.sessions[gameId]
	delete(r.sessions, gameId)
	r.mut_sessions.Unlock()
	if session == nil {
		return
	}

	if eventErr := session.appendEvent(r.clock().UTC(), "end", nil); eventErr != nil {
		r.log.Warn("Failed to record end event", zap.Uint32("gameId", gameId), zap.Error(eventErr))
	}
	if closeErr := session.close(); closeErr != nil {
		r.log.Warn("Failed to close replay sinks", zap.Uint32("gameId", gameId), zap.Error(closeErr))
	}
}

// Close ends every open session, typically at server shutdown.
func (r *Recorder) Close() {
	r.mut_sessions.Lock()
	sessions := r.sessions
	r.sessions = make(map[uint32]*recording)
	r.mut_sessions.Unlock()

	for gameId, session := range sessions {
		if closeErr := session.close(); closeErr != nil {
			r.log.Warn("Failed to close replay sinks", zap.Uint32("gameId", gameId), zap.Error(closeErr))
		}
	}
}

func openRecording(dir string, created time.Time, romName string, players []string) (*recording, error) {
	if mkdirErr := os.MkdirAll(dir, 0o755); mkdirErr != nil {
		return nil, mkdirErr
	}

	manifest := Manifest{
		Version:    manifestVersion,
		CreatedAt:  created.Format(time.RFC3339Nano),
		RomName:    romName,
		Players:    players,
		EventsPath: eventsFilename,
		FramesPath: framesFilename,
	}
	manifestData, marshalErr := json.MarshalIndent(manifest, "", "  ")
	if marshalErr != nil {
		return nil, marshalErr
	}
	if writeErr := os.WriteFile(filepath.Join(dir, manifestFilename), manifestData, 0o644); writeErr != nil {
		return nil, writeErr
	}

	eventFile, eventErr := os.Create(filepath.Join(dir, eventsFilename))
	if eventErr != nil {
		return nil, eventErr
	}
	frameFile, frameErr := os.Create(filepath.Join(dir, framesFilename))
	if frameErr != nil {
		eventFile.Close()
		return nil, frameErr
	}
	frameStream, zstdErr := zstd.NewWriter(frameFile)
	if zstdErr != nil {
		eventFile.Close()
		frameFile.Close()
		return nil, zstdErr
	}

	return &recording{
		dir:         dir,
		eventFile:   eventFile,
		eventStream: snappy.NewBufferedWriter(eventFile),
		frameFile:   frameFile,
		frameStream: frameStream,
	}, nil
}

func (s *recording) appendEvent(at time.Time, eventType string, players []string) error {
	s.mut_sinks.Lock()
	defer s.mut_sinks.Unlock()
	if s.broken {
		return nil
	}

	record := struct {
		At      string   `json:"at"`
		Type    string   `json:"type"`
		Players []string `json:"players,omitempty"`
	}{
		At:      at.Format(time.RFC3339Nano),
		Type:    eventType,
		Players: players,
	}
	line, marshalErr := json.Marshal(record)
	if marshalErr != nil {
		return marshalErr
	}
	if _, writeErr := s.eventStream.Write(append(line, '\n')); writeErr != nil {
		s.broken = true
		return writeErr
	}
	return s.eventStream.Flush()
}

// appendFrame writes one length-prefixed record: ordinal u32, player u8,
// payload length u32, payload bytes. All integers little-endian.
func (s *recording) appendFrame(playerNumber int, data []byte) error {
	s.mut_sinks.Lock()
	defer s.mut_sinks.Unlock()
	if s.broken {
		return nil
	}

	header := make([]byte, 4+1+4)
	binary.LittleEndian.PutUint32(header[0:4], s.frameCount)
	header[4] = uint8(playerNumber)
	binary.LittleEndian.PutUint32(header[5:9], uint32(len(data)))
	s.frameCount++

	if _, writeErr := s.frameStream.Write(header); writeErr != nil {
		s.broken = true
		return writeErr
	}
	if _, writeErr := s.frameStream.Write(data); writeErr != nil {
		s.broken = true
		return writeErr
	}
	return nil
}

func (s *recording) close() error {
	s.mut_sinks.Lock()
	defer s.mut_sinks.Unlock()

	var firstErr error
	if flushErr := s.eventStream.Flush(); flushErr != nil && firstErr == nil {
		firstErr = flushErr
	}
	if closeErr := s.eventStream.Close(); closeErr != nil && firstErr == nil {
		firstErr = closeErr
	}
	if closeErr := s.eventFile.Close(); closeErr != nil && firstErr == nil {
		firstErr = closeErr
	}
	if closeErr := s.frameStream.Close(); closeErr != nil && firstErr == nil {
		firstErr = closeErr
	}
	if closeErr := s.frameFile.Close(); closeErr != nil && firstErr == nil {
		firstErr = closeErr
	}
	return firstErr
}

type MissingRootError struct{}

func (e *MissingRootError) Error() string {
	return "replay root directory must be provided"
}
