// Package spectator distributes per-tick world frames to watchers and
// records them into replay bundles.
package spectator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"termarena/server/internal/game"
)

// Frame is one spectator update: the world snapshot after a tick plus the
// events that happened during it.
type Frame struct {
	Sequence uint64         `json:"sequence"`
	Tick     uint64         `json:"tick"`
	State    map[string]any `json:"state"`
	Events   []game.Event   `json:"events,omitempty"`
}

// clone shares the snapshot payload but detaches the slice headers so a
// subscriber cannot perturb another's view.
func (f *Frame) clone() *Frame {
	if f == nil {
		return nil
	}
	copied := *f
	if f.Events != nil {
		copied.Events = append([]game.Event(nil), f.Events...)
	}
	return &copied
}

// FeedConfig controls frame retention for reconnect replay.
type FeedConfig struct {
	Retain int
	// MaxPending bounds how many unacknowledged frames one watcher may owe
	// before the oldest are forfeited, so a stalled watcher cannot pin the
	// whole log in memory.
	MaxPending int
}

const (
	defaultFeedRetention = 512
	defaultMaxPending    = 1024
)

// ErrOutOfOrderAck signals an acknowledgement for anything but the oldest
// pending frame.
var ErrOutOfOrderAck = errors.New("ack sequence must match the next pending frame")

// Feed fans frames out to subscribers with at-least-once delivery: frames a
// subscriber has not acknowledged are replayed when it reconnects.
type Feed struct {
	mu          sync.Mutex
	nextSeq     uint64
	retention   int
	maxPending  int
	order       []uint64
	frames      map[uint64]*Frame
	subscribers map[string]*watcherState
}

type watcherState struct {
	id      string
	pending []uint64
	lastAck uint64
	ch      chan *Frame
	active  bool
}

// Subscription is one watcher's attachment to the feed.
type Subscription struct {
	id     string
	feed   *Feed
	frames <-chan *Frame
	once   sync.Once
}

// NewFeed constructs a feed with the given retention.
func NewFeed(cfg FeedConfig) *Feed {
	retention := cfg.Retain
	if retention <= 0 {
		retention = defaultFeedRetention
	}
	maxPending := cfg.MaxPending
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	return &Feed{
		retention:   retention,
		maxPending:  maxPending,
		frames:      make(map[uint64]*Frame),
		subscribers: make(map[string]*watcherState),
	}
}

// PushFrame accepts a tick snapshot from the game loop. The signature
// matches the game server's frame sink.
func (f *Feed) PushFrame(tick uint64, state map[string]any, events []game.Event) {
	if f == nil {
		return
	}
	f.publish(&Frame{Tick: tick, State: state, Events: events})
}

// Subscribe attaches a watcher and immediately replays every frame past its
// last acknowledgement. The watcher identity persists across reconnects.
func (f *Feed) Subscribe(ctx context.Context, watcherID string, buffer int) (*Subscription, error) {
	if f == nil {
		return nil, errors.New("nil feed")
	}
	if watcherID == "" {
		return nil, errors.New("watcher id must be provided")
	}
	if buffer <= 0 {
		buffer = 32
	}

	f.mu.Lock()
	state, ok := f.subscribers[watcherID]
	if !ok {
		state = &watcherState{id: watcherID}
		f.subscribers[watcherID] = state
	}
	//1.- Everything past lastAck is owed to this watcher again.
	replay := make([]uint64, 0)
	for _, seq := range f.order {
		if seq > state.lastAck {
			replay = append(replay, seq)
		}
	}
	ch := make(chan *Frame, buffer)
	state.ch = ch
	state.active = true
	state.pending = append([]uint64(nil), replay...)
	deliveries := make([]*Frame, 0, len(replay))
	for _, seq := range replay {
		if frame, ok := f.frames[seq]; ok {
			deliveries = append(deliveries, frame.clone())
		}
	}
	f.mu.Unlock()

	go func() {
		for _, frame := range deliveries {
			select {
			case <-ctx.Done():
				return
			case ch <- frame:
			}
		}
	}()

	return &Subscription{id: watcherID, feed: f, frames: ch}, nil
}

// Frames exposes the ordered delivery channel.
func (s *Subscription) Frames() <-chan *Frame {
	if s == nil {
		return nil
	}
	return s.frames
}

// Ack confirms the oldest pending frame was processed.
func (s *Subscription) Ack(sequence uint64) error {
	if s == nil || s.feed == nil {
		return errors.New("subscription closed")
	}
	return s.feed.ack(s.id, sequence)
}

// Close detaches the watcher while keeping its acknowledgement state for a
// later reconnect.
func (s *Subscription) Close() {
	if s == nil || s.feed == nil {
		return
	}
	s.once.Do(func() {
		s.feed.detach(s.id)
	})
}

func (f *Feed) publish(frame *Frame) uint64 {
	f.mu.Lock()
	f.nextSeq++
	frame.Sequence = f.nextSeq
	f.frames[frame.Sequence] = frame
	f.order = append(f.order, frame.Sequence)

	type delivery struct {
		ch    chan<- *Frame
		frame *Frame
	}
	deliveries := make([]delivery, 0, len(f.subscribers))
	for _, state := range f.subscribers {
		state.pending = append(state.pending, frame.Sequence)
		//1.- A watcher that stops acking forfeits its oldest frames rather
		// than pinning the whole log.
		if overflow := len(state.pending) - f.maxPending; overflow > 0 {
			state.lastAck = state.pending[overflow-1]
			state.pending = state.pending[overflow:]
		}
		if state.active && state.ch != nil {
			deliveries = append(deliveries, delivery{ch: state.ch, frame: frame.clone()})
		}
	}
	f.pruneLocked()
	seq := frame.Sequence
	f.mu.Unlock()

	//2.- Slow watchers lose live delivery but keep the frame pending for
	// replay, so the publisher never blocks.
	for _, item := range deliveries {
		select {
		case item.ch <- item.frame:
		default:
		}
	}
	return seq
}

func (f *Feed) ack(watcherID string, sequence uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.subscribers[watcherID]
	if !ok {
		return fmt.Errorf("unknown watcher %q", watcherID)
	}
	if len(state.pending) == 0 {
		if sequence <= state.lastAck {
			return nil
		}
		return ErrOutOfOrderAck
	}
	if sequence != state.pending[0] {
		return ErrOutOfOrderAck
	}
	state.pending = state.pending[1:]
	state.lastAck = sequence
	f.pruneLocked()
	return nil
}

func (f *Feed) detach(watcherID string) {
	f.mu.Lock()
	if state, ok := f.subscribers[watcherID]; ok {
		state.active = false
		if state.ch != nil {
			close(state.ch)
			state.ch = nil
		}
	}
	f.mu.Unlock()
}

// pruneLocked drops frames that are both beyond the retention window and
// acknowledged by every watcher.
func (f *Feed) pruneLocked() {
	if len(f.order) <= f.retention {
		return
	}
	minAck := f.nextSeq
	for _, state := range f.subscribers {
		if state.lastAck < minAck {
			minAck = state.lastAck
		}
	}
	cutoff := f.order[len(f.order)-f.retention]
	pruneBefore := minAck
	if cutoff < pruneBefore {
		pruneBefore = cutoff
	}
	if pruneBefore == 0 {
		return
	}
	idx := sort.Search(len(f.order), func(i int) bool { return f.order[i] > pruneBefore })
	for _, seq := range f.order[:idx] {
		delete(f.frames, seq)
	}
	f.order = append([]uint64(nil), f.order[idx:]...)
}

// Retained reports how many frames remain in the log.
func (f *Feed) Retained() int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}
