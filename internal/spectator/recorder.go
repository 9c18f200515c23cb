package spectator

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

	"termarena/server/internal/game"
)

var bundleNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// frameFlushInterval batches snapshot frames to a 5Hz disk cadence.
const frameFlushInterval = 200 * time.Millisecond

// Manifest describes the bundle layout so tooling can locate its parts.
type Manifest struct {
	Version         int    `json:"version"`
	GameID          string `json:"game_id"`
	CreatedAt       string `json:"created_at"`
	FrameIntervalMs int    `json:"frame_interval_ms"`
	EventsPath      string `json:"events_path"`
	FramesPath      string `json:"frames_path"`
}

type stagedFrame struct {
	Tick       uint64
	CapturedAt time.Time
	Payload    []byte
}

// Recorder persists the spectator feed to a replay bundle on disk: a
// snappy-compressed JSONL event log plus a zstd stream of length-prefixed
// snapshot frames. It plugs into the game loop as a frame sink.
type Recorder struct {
	mu          sync.Mutex
	dir         string
	gameID      string
	now         func() time.Time
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	pending     []stagedFrame
	lastFlush   time.Time
	firstTick   uint64
	lastTick    uint64
	closed      bool
}

// NewRecorder creates the bundle directory under root and opens the
// compressed sinks. The directory name combines the game id and a UTC
// timestamp.
func NewRecorder(root, gameID string, clock func() time.Time) (*Recorder, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("replay root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := bundleNameCleaner.ReplaceAllString(gameID, "")
	if cleaned == "" {
		cleaned = "game"
	}
	created := clock().UTC()
	dir := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventFile, err := os.Create(filepath.Join(dir, "events.jsonl.sz"))
	if err != nil {
		return nil, Manifest{}, err
	}
	frameFile, err := os.Create(filepath.Join(dir, "frames.bin.zst"))
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:         1,
		GameID:          gameID,
		CreatedAt:       created.Format(time.RFC3339Nano),
		FrameIntervalMs: int(frameFlushInterval / time.Millisecond),
		EventsPath:      "events.jsonl.sz",
		FramesPath:      "frames.bin.zst",
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644)
	}
	if err != nil {
		frameStream.Close()
		frameFile.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	return &Recorder{
		dir:         dir,
		gameID:      gameID,
		now:         clock,
		eventFile:   eventFile,
		eventStream: snappy.NewBufferedWriter(eventFile),
		frameFile:   frameFile,
		frameStream: frameStream,
	}, manifest, nil
}

// Directory exposes the bundle directory path.
func (r *Recorder) Directory() string {
	if r == nil {
		return ""
	}
	return r.dir
}

// TickSpan reports the first and last recorded ticks.
func (r *Recorder) TickSpan() (uint64, uint64) {
	if r == nil {
		return 0, 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstTick, r.lastTick
}

// PushFrame records one tick: events append to the JSONL log immediately,
// the snapshot frame is staged for the next cadence flush.
func (r *Recorder) PushFrame(tick uint64, state map[string]any, events []game.Event) {
	if r == nil {
		return
	}
	captured := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.firstTick == 0 {
		r.firstTick = tick
	}
	r.lastTick = tick

	for _, event := range events {
		if err := r.appendEventLocked(tick, captured, event); err != nil {
			return
		}
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return
	}
	r.pending = append(r.pending, stagedFrame{Tick: tick, CapturedAt: captured, Payload: payload})
	if r.lastFlush.IsZero() {
		r.lastFlush = captured
		return
	}
	if captured.Sub(r.lastFlush) >= frameFlushInterval {
		if err := r.flushLocked(); err == nil {
			r.lastFlush = captured
		}
	}
}

// appendEventLocked writes one event line; callers hold the mutex.
func (r *Recorder) appendEventLocked(tick uint64, captured time.Time, event game.Event) error {
	record := struct {
		Tick       uint64         `json:"tick"`
		CapturedAt string         `json:"captured_at"`
		Type       string         `json:"type"`
		Data       map[string]any `json:"data,omitempty"`
	}{
		Tick:       tick,
		CapturedAt: captured.Format(time.RFC3339Nano),
		Type:       event.Type,
		Data:       event.Data,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := r.eventStream.Write(line); err != nil {
		return err
	}
	if _, err := r.eventStream.Write([]byte("\n")); err != nil {
		return err
	}
	return r.eventStream.Flush()
}

// Flush forces staged frames to disk regardless of cadence.
func (r *Recorder) Flush() error {
	if r == nil {
		return fmt.Errorf("recorder not initialised")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.flushLocked(); err != nil {
		return err
	}
	r.lastFlush = r.now().UTC()
	return nil
}

// Close writes the bundle header, flushes everything, and releases the file
// handles. The first error encountered is returned.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	header := Header{
		SchemaVersion: HeaderSchemaVersion,
		GameID:        r.gameID,
		FirstTick:     r.firstTick,
		LastTick:      r.lastTick,
		FilePointer:   "manifest.json",
	}
	if err := WriteHeader(filepath.Join(r.dir, "header.json"), header); err != nil {
		firstErr = err
	}
	if err := r.flushLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.eventStream.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.eventStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.frameStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.frameFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// flushLocked writes staged frames length-prefixed so playback can step
// without decoding payloads; callers hold the mutex.
func (r *Recorder) flushLocked() error {
	if len(r.pending) == 0 {
		return nil
	}
	for _, frame := range r.pending {
		header := make([]byte, 8+8+4)
		binary.LittleEndian.PutUint64(header[0:8], frame.Tick)
		binary.LittleEndian.PutUint64(header[8:16], uint64(frame.CapturedAt.UnixNano()))
		binary.LittleEndian.PutUint32(header[16:20], uint32(len(frame.Payload)))
		if _, err := r.frameStream.Write(header); err != nil {
			return err
		}
		if _, err := r.frameStream.Write(frame.Payload); err != nil {
			return err
		}
	}
	r.pending = r.pending[:0]
	return nil
}

// SinkGroup fans one game frame out to several sinks, letting the live feed
// and the recorder share the tick stream.
type SinkGroup []game.FrameSink

// PushFrame implements the frame sink by delegating in order.
func (g SinkGroup) PushFrame(tick uint64, state map[string]any, events []game.Event) {
	for _, sink := range g {
		if sink != nil {
			sink.PushFrame(tick, state, events)
		}
	}
}
