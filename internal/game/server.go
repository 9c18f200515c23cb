package game

import (
	"context"
	"fmt"
	"sync"
	"time"

	"termarena/server/internal/connection"
	"termarena/server/internal/logging"
	"termarena/server/internal/protocol"
	"termarena/server/internal/tick"
)

// Event is one gameplay occurrence surfaced to spectator collaborators.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// FrameSink receives the per-tick world snapshot and the events that occurred
// during that tick. The server makes no assumption about what the
// collaborator does with them.
type FrameSink interface {
	PushFrame(tick uint64, state map[string]any, events []Event)
}

// ClaimValidator checks a client's claimed position against the authoritative
// record at the time the input was produced.
type ClaimValidator interface {
	ValidateClaim(playerID string, claimed Vec2, at time.Time) bool
}

// Stats summarises the server for lobby and diagnostics queries.
type Stats struct {
	GameID      string               `json:"game_id"`
	Players     int                  `json:"players"`
	Connections int                  `json:"connections"`
	Tick        uint64               `json:"tick"`
	TickTiming  tick.MetricsSnapshot `json:"tick_timing"`
}

// Option customises server construction.
type Option func(*Server)

// WithChatFilter wires the external chat moderation collaborator.
func WithChatFilter(filter ChatFilter) Option {
	return func(s *Server) {
		if filter != nil {
			s.filter = filter
		}
	}
}

// WithFrameSink wires the spectator/replay collaborator.
func WithFrameSink(sink FrameSink) Option {
	return func(s *Server) {
		s.sink = sink
	}
}

// WithInputGate wires the freshness/throughput gate applied before buffering.
func WithInputGate(gate *Gate) Option {
	return func(s *Server) {
		s.gate = gate
	}
}

// WithClaimValidator wires the collaborator that cross-checks claimed
// positions against the rewind history.
func WithClaimValidator(validator ClaimValidator) Option {
	return func(s *Server) {
		s.validator = validator
	}
}

// WithInputBufferSize bounds the per-player input queue.
func WithInputBufferSize(size int) Option {
	return func(s *Server) {
		if size > 0 {
			s.inputBuffer = size
		}
	}
}

// WithBroadcastRate overrides the state snapshot broadcast frequency.
func WithBroadcastRate(hz float64) Option {
	return func(s *Server) {
		if hz > 0 {
			s.broadcastHz = hz
		}
	}
}

// Server composes the connection manager, the tick manager, and the world
// state into the authoritative game loop.
type Server struct {
	log   *logging.Logger
	state *State
	conns *connection.Manager
	ticks *tick.Manager

	filter      ChatFilter
	sink        FrameSink
	gate        *Gate
	validator   ClaimValidator
	inputBuffer int
	broadcastHz float64

	mu           sync.Mutex
	inputs       map[string][]*protocol.InputPayload
	connToPlayer map[string]string
	playerToConn map[string]string
	events       []Event

	callbackMu      sync.Mutex
	joinCallbacks   []func(playerID string)
	leaveCallbacks  []func(playerID string)
	updateCallbacks []func(tick uint64, delta time.Duration)

	removeHandlers []func()
	removeTick     func()
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	startOnce      sync.Once
	stopOnce       sync.Once
}

// NewServer wires the authoritative loop around the provided collaborators.
func NewServer(state *State, conns *connection.Manager, ticks *tick.Manager, logger *logging.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = logging.L()
	}
	s := &Server{
		log:          logger,
		state:        state,
		conns:        conns,
		ticks:        ticks,
		filter:       PassthroughFilter{},
		inputBuffer:  120,
		broadcastHz:  10,
		inputs:       make(map[string][]*protocol.InputPayload),
		connToPlayer: make(map[string]string),
		playerToConn: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start binds packet handlers, begins the tick loop, and launches the
// lower-frequency snapshot broadcast loop.
func (s *Server) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel

		s.removeHandlers = append(s.removeHandlers,
			s.conns.RegisterHandler(protocol.TypePlayerInput, s.handleInput),
			s.conns.RegisterHandler(protocol.TypeChatMessage, s.handleChat),
			s.conns.RegisterHandler(protocol.TypePing, s.handlePing),
		)
		s.conns.OnDisconnect(s.handleDisconnect)

		s.removeTick = s.ticks.AddCallback(s.onTick)
		s.ticks.Start(loopCtx)

		s.wg.Add(1)
		go s.broadcastLoop(loopCtx)
	})
}

// Stop halts the tick and broadcast loops and unbinds the packet handlers.
func (s *Server) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.ticks.Stop()
		if s.removeTick != nil {
			s.removeTick()
		}
		for _, remove := range s.removeHandlers {
			remove()
		}
		s.wg.Wait()
	})
}

// StartGame marks the world as running and promotes connected players.
func (s *Server) StartGame() {
	if s == nil {
		return
	}
	s.state.Begin()
	for _, player := range s.state.Players() {
		if player.Status == StatusConnected {
			s.state.SetStatus(player.ID, StatusPlaying)
		}
	}
	s.queueEvent(Event{Type: "game_started", Data: map[string]any{"game_id": s.state.GameID()}})
}

// AddPlayer registers a player and associates it with a connection.
func (s *Server) AddPlayer(playerID, connID string) {
	if s == nil || playerID == "" {
		return
	}
	s.state.AddPlayer(playerID)
	if s.state.Started() {
		s.state.SetStatus(playerID, StatusPlaying)
	}
	s.mu.Lock()
	if connID != "" {
		s.connToPlayer[connID] = playerID
		s.playerToConn[playerID] = connID
	}
	s.mu.Unlock()
	s.queueEvent(Event{Type: "player_joined", Data: map[string]any{"player_id": playerID}})

	s.callbackMu.Lock()
	callbacks := append([]func(string){}, s.joinCallbacks...)
	s.callbackMu.Unlock()
	for _, cb := range callbacks {
		s.invokePlayerCallback(cb, playerID)
	}
}

// RemovePlayer drops the player from the world and its connection mapping.
func (s *Server) RemovePlayer(playerID string) {
	if s == nil || playerID == "" {
		return
	}
	if !s.state.RemovePlayer(playerID) {
		return
	}
	s.mu.Lock()
	if connID, ok := s.playerToConn[playerID]; ok {
		delete(s.connToPlayer, connID)
		delete(s.playerToConn, playerID)
	}
	delete(s.inputs, playerID)
	s.mu.Unlock()
	s.gate.Forget(playerID)
	s.queueEvent(Event{Type: "player_left", Data: map[string]any{"player_id": playerID}})

	s.callbackMu.Lock()
	callbacks := append([]func(string){}, s.leaveCallbacks...)
	s.callbackMu.Unlock()
	for _, cb := range callbacks {
		s.invokePlayerCallback(cb, playerID)
	}
}

// invokePlayerCallback contains join/leave callback failures.
func (s *Server) invokePlayerCallback(cb func(string), playerID string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("player callback panicked",
				logging.String("player_id", playerID),
				logging.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()
	cb(playerID)
}

// OnJoin registers a callback invoked after a player is added.
func (s *Server) OnJoin(cb func(playerID string)) {
	if s == nil || cb == nil {
		return
	}
	s.callbackMu.Lock()
	s.joinCallbacks = append(s.joinCallbacks, cb)
	s.callbackMu.Unlock()
}

// OnLeave registers a callback invoked after a player is removed.
func (s *Server) OnLeave(cb func(playerID string)) {
	if s == nil || cb == nil {
		return
	}
	s.callbackMu.Lock()
	s.leaveCallbacks = append(s.leaveCallbacks, cb)
	s.callbackMu.Unlock()
}

// OnUpdate registers a callback invoked at the end of every tick.
func (s *Server) OnUpdate(cb func(tick uint64, delta time.Duration)) {
	if s == nil || cb == nil {
		return
	}
	s.callbackMu.Lock()
	s.updateCallbacks = append(s.updateCallbacks, cb)
	s.callbackMu.Unlock()
}

// handleInput validates and buffers one player input packet. Validation
// rejections are normal control flow, not errors.
func (s *Server) handleInput(packet *protocol.Packet, connID string) {
	playerID := s.resolvePlayer(packet, connID)
	if playerID == "" {
		return
	}
	payload, err := protocol.ParseInput(packet)
	if err != nil {
		s.log.Debug("dropping malformed input", logging.Error(err), logging.String("player_id", playerID))
		return
	}
	var sentAt time.Time
	if payload.SentAtSec > 0 {
		sentAt = time.Unix(0, int64(payload.SentAtSec*float64(time.Second)))
	}
	if decision := s.gate.Evaluate(playerID, payload.Sequence, sentAt); !decision.Accepted {
		s.log.Debug("dropping input frame",
			logging.String("player_id", playerID),
			logging.String("reason", decision.Reason.String()),
			logging.Uint64("sequence", payload.Sequence))
		return
	}
	//1.- Cross-check the claimed position against where the player actually
	// was when the input left the client.
	if s.validator != nil {
		if claimedX, claimedY, ok := payload.Claim(); ok {
			claimedAt := sentAt
			if claimedAt.IsZero() {
				claimedAt = time.Now()
			}
			if !s.validator.ValidateClaim(playerID, Vec2{X: claimedX, Y: claimedY}, claimedAt) {
				s.log.Debug("rejecting input with implausible claimed position",
					logging.String("player_id", playerID),
					logging.Uint64("sequence", payload.Sequence),
					logging.Float64("claimed_x", claimedX),
					logging.Float64("claimed_y", claimedY))
				return
			}
		}
	}
	if !s.state.AcceptSequence(playerID, payload.Sequence) {
		s.log.Debug("rejecting stale input sequence",
			logging.String("player_id", playerID),
			logging.Uint64("sequence", payload.Sequence))
		return
	}

	s.mu.Lock()
	queue := append(s.inputs[playerID], payload)
	//2.- Bound the queue by silently discarding the oldest entries.
	if len(queue) > s.inputBuffer {
		queue = queue[len(queue)-s.inputBuffer:]
	}
	s.inputs[playerID] = queue
	s.mu.Unlock()
}

// handleChat consults the moderation collaborator before rebroadcasting.
func (s *Server) handleChat(packet *protocol.Packet, connID string) {
	playerID := s.resolvePlayer(packet, connID)
	if playerID == "" {
		return
	}
	payload, err := protocol.ParseChat(packet)
	if err != nil {
		s.log.Debug("dropping malformed chat", logging.Error(err), logging.String("player_id", playerID))
		return
	}
	result, text := s.filter.Filter(playerID, payload.Text)
	if result == FilterBlocked {
		s.log.Debug("chat blocked by moderation", logging.String("player_id", playerID))
		return
	}
	out := protocol.New(protocol.TypeChatMessage)
	out.SenderID = playerID
	out.Data["text"] = text
	s.conns.Broadcast(out, connID)
	s.queueEvent(Event{Type: "chat", Data: map[string]any{"player_id": playerID, "text": text}})
}

// handlePing answers latency probes with a pong echoing the probe metadata.
func (s *Server) handlePing(packet *protocol.Packet, connID string) {
	payload, err := protocol.ParsePing(packet)
	if err != nil {
		return
	}
	pong := protocol.New(protocol.TypePong)
	pong.Data["ping_id"] = payload.PingID
	pong.Data["sent_at"] = payload.SentAtSec
	s.conns.Send(pong, connID)
}

func (s *Server) handleDisconnect(connID string) {
	s.mu.Lock()
	playerID := s.connToPlayer[connID]
	s.mu.Unlock()
	if playerID != "" {
		s.RemovePlayer(playerID)
	}
}

func (s *Server) resolvePlayer(packet *protocol.Packet, connID string) string {
	s.mu.Lock()
	playerID := s.connToPlayer[connID]
	s.mu.Unlock()
	if playerID == "" && packet != nil {
		playerID = packet.SenderID
	}
	return playerID
}

// onTick advances the authoritative simulation by one step.
func (s *Server) onTick(tickNumber uint64, delta time.Duration) {
	now := protocol.Now()
	//1.- Integrate physics with the velocities decided on the previous tick.
	s.state.Integrate(delta.Seconds(), now)

	//2.- Apply only the latest buffered input per player; older entries from
	// the same window are coalesced away.
	s.mu.Lock()
	latest := make(map[string]*protocol.InputPayload, len(s.inputs))
	for playerID, queue := range s.inputs {
		if len(queue) == 0 {
			continue
		}
		latest[playerID] = queue[len(queue)-1]
		s.inputs[playerID] = queue[:0]
	}
	s.mu.Unlock()
	for playerID, payload := range latest {
		s.state.ApplyInput(playerID, Vec2{X: payload.MoveX, Y: payload.MoveY})
	}

	newTick := s.state.IncrementTick(now)

	//3.- Fan out to game-update callbacks with individual failure isolation.
	s.callbackMu.Lock()
	callbacks := append([]func(uint64, time.Duration){}, s.updateCallbacks...)
	s.callbackMu.Unlock()
	for _, cb := range callbacks {
		s.invokeUpdateCallback(cb, newTick, delta)
	}

	//4.- Drain events regardless of a sink so the queue stays bounded.
	events := s.drainEvents()
	if s.sink != nil {
		s.sink.PushFrame(newTick, s.state.SnapshotData(), events)
	}
	_ = tickNumber
}

func (s *Server) invokeUpdateCallback(cb func(uint64, time.Duration), tick uint64, delta time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("game update callback panicked",
				logging.Uint64("tick", tick),
				logging.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()
	cb(tick, delta)
}

// broadcastLoop pushes full state snapshots to every connection at a fixed
// lower rate, decoupled from the tick loop.
func (s *Server) broadcastLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := time.Duration(float64(time.Second) / s.broadcastHz)
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshLatencies()
			packet := protocol.New(protocol.TypeGameState)
			packet.SenderID = s.state.GameID()
			packet.Data = s.state.SnapshotData()
			s.conns.Broadcast(packet)
		}
	}
}

// refreshLatencies copies transport latency estimates into player records.
func (s *Server) refreshLatencies() {
	s.mu.Lock()
	mapping := make(map[string]string, len(s.playerToConn))
	for playerID, connID := range s.playerToConn {
		mapping[playerID] = connID
	}
	s.mu.Unlock()
	for playerID, connID := range mapping {
		latency := s.conns.Latency(connID)
		s.state.SetLatency(playerID, float64(latency.Milliseconds()))
	}
}

func (s *Server) queueEvent(event Event) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *Server) drainEvents() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	drained := s.events
	s.events = nil
	return drained
}

// PlayerCount exposes the world population for lobby queries.
func (s *Server) PlayerCount() int {
	if s == nil {
		return 0
	}
	return s.state.PlayerCount()
}

// Stats summarises the server for lobby and diagnostics queries.
func (s *Server) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		GameID:      s.state.GameID(),
		Players:     s.state.PlayerCount(),
		Connections: s.conns.Count(),
		Tick:        s.state.Tick(),
		TickTiming:  s.ticks.Monitor().Snapshot(),
	}
}

// State exposes the authoritative world for collaborators that need reads.
func (s *Server) State() *State {
	if s == nil {
		return nil
	}
	return s.state
}
