package spectator

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// TimelineEntry is one replay datum in deterministic playback order.
type TimelineEntry struct {
	Tick       uint64
	CapturedAt time.Time
	Kind       string
	Type       string
	Payload    json.RawMessage
}

// Loader rehydrates a recorded bundle for playback or validation.
type Loader struct {
	manifest Manifest
	header   Header
	entries  []TimelineEntry
}

// LoadBundle reads a bundle directory written by the recorder.
func LoadBundle(dir string) (*Loader, error) {
	if dir == "" {
		return nil, fmt.Errorf("bundle directory must be provided")
	}
	manifestData, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	loader := &Loader{manifest: manifest}
	if header, err := ReadHeader(filepath.Join(dir, "header.json")); err == nil {
		loader.header = header
	}

	events, err := readEvents(filepath.Join(dir, manifest.EventsPath))
	if err != nil {
		return nil, err
	}
	frames, err := readFrames(filepath.Join(dir, manifest.FramesPath))
	if err != nil {
		return nil, err
	}
	loader.entries = append(loader.entries, events...)
	loader.entries = append(loader.entries, frames...)

	//1.- Interleave events and frames by tick so playback is deterministic.
	sort.SliceStable(loader.entries, func(i, j int) bool {
		if loader.entries[i].Tick == loader.entries[j].Tick {
			return loader.entries[i].Kind < loader.entries[j].Kind
		}
		return loader.entries[i].Tick < loader.entries[j].Tick
	})
	return loader, nil
}

// Manifest reports the bundle manifest.
func (l *Loader) Manifest() Manifest {
	if l == nil {
		return Manifest{}
	}
	return l.manifest
}

// Header reports the bundle header, zero-valued when absent.
func (l *Loader) Header() Header {
	if l == nil {
		return Header{}
	}
	return l.header
}

// Entries exposes a defensive copy of the timeline.
func (l *Loader) Entries() []TimelineEntry {
	if l == nil {
		return nil
	}
	out := make([]TimelineEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Replay invokes the callback for each entry in timeline order, stopping on
// the first error.
func (l *Loader) Replay(apply func(TimelineEntry) error) error {
	if l == nil {
		return fmt.Errorf("loader not initialised")
	}
	if apply == nil {
		return fmt.Errorf("replay callback must be provided")
	}
	for _, entry := range l.entries {
		if err := apply(entry); err != nil {
			return err
		}
	}
	return nil
}

// readEvents decodes the snappy-compressed JSONL event log.
func readEvents(path string) ([]TimelineEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var entries []TimelineEntry
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record struct {
			Tick       uint64          `json:"tick"`
			CapturedAt string          `json:"captured_at"`
			Type       string          `json:"type"`
			Data       json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("decode event line: %w", err)
		}
		captured, err := time.Parse(time.RFC3339Nano, record.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse event captured_at: %w", err)
		}
		entries = append(entries, TimelineEntry{
			Tick:       record.Tick,
			CapturedAt: captured,
			Kind:       "event",
			Type:       record.Type,
			Payload:    append(json.RawMessage(nil), record.Data...),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// readFrames decodes the zstd stream of length-prefixed snapshot frames.
func readFrames(path string) ([]TimelineEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var entries []TimelineEntry
	header := make([]byte, 8+8+4)
	for {
		if _, err := io.ReadFull(decoder, header); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read frame header: %w", err)
		}
		tick := binary.LittleEndian.Uint64(header[0:8])
		captured := time.Unix(0, int64(binary.LittleEndian.Uint64(header[8:16]))).UTC()
		size := binary.LittleEndian.Uint32(header[16:20])
		payload := make([]byte, size)
		if _, err := io.ReadFull(decoder, payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
		entries = append(entries, TimelineEntry{
			Tick:       tick,
			CapturedAt: captured,
			Kind:       "frame",
			Type:       "snapshot",
			Payload:    payload,
		})
	}
	return entries, nil
}
