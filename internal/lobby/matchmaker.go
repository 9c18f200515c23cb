package lobby

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"termarena/server/internal/logging"
	"termarena/server/internal/protocol"
)

// TicketStatus tracks one queued player's progress through matchmaking.
type TicketStatus string

const (
	TicketQueued  TicketStatus = "queued"
	TicketMatched TicketStatus = "matched"
	TicketStarted TicketStatus = "started"
)

// Ticket is one player's pending matchmaking request.
type Ticket struct {
	PlayerID   string
	ConnID     string
	Mode       string
	Status     TicketStatus
	EnqueuedAt time.Time
}

// PacketSender delivers packets to managed connections.
type PacketSender interface {
	Send(packet *protocol.Packet, connID string) bool
	Broadcast(packet *protocol.Packet, exclude ...string) map[string]bool
}

// GameStarter receives matched players and launches the game.
type GameStarter interface {
	AddPlayer(playerID, connID string)
	StartGame()
}

// MatchmakerOption customises matchmaker construction.
type MatchmakerOption func(*Matchmaker)

// WithMatchmakerClock overrides the clock used for ticket timestamps.
func WithMatchmakerClock(clock func() time.Time) MatchmakerOption {
	return func(m *Matchmaker) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithRequestLimiter overrides the per-connection request limiter.
func WithRequestLimiter(limiter *RequestLimiter) MatchmakerOption {
	return func(m *Matchmaker) {
		m.limiter = limiter
	}
}

// Matchmaker queues players and fills rooms to capacity. When a room fills,
// every member receives a MatchmakingResult, the roster is announced with a
// LobbyUpdate, and the players are handed to the game starter.
type Matchmaker struct {
	log      *logging.Logger
	sender   PacketSender
	starter  GameStarter
	limiter  *RequestLimiter
	capacity Capacity
	now      func() time.Time

	mu      sync.Mutex
	queue   []string
	tickets map[string]*Ticket
	rooms   map[string]*Room

	roomSeq atomic.Uint64
}

// NewMatchmaker builds a matchmaker filling rooms with the given capacity.
func NewMatchmaker(capacity Capacity, sender PacketSender, starter GameStarter, logger *logging.Logger, opts ...MatchmakerOption) (*Matchmaker, error) {
	if err := validateCapacity(capacity); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.L()
	}
	m := &Matchmaker{
		log:      logger,
		sender:   sender,
		starter:  starter,
		limiter:  NewRequestLimiter(time.Second, 5, nil),
		capacity: capacity,
		now:      time.Now,
		tickets:  make(map[string]*Ticket),
		rooms:    make(map[string]*Room),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// matchSize is the number of players a room is filled to.
func (m *Matchmaker) matchSize() int {
	if m.capacity.MaxPlayers > 0 {
		return m.capacity.MaxPlayers
	}
	if m.capacity.MinPlayers > 0 {
		return m.capacity.MinPlayers
	}
	return 2
}

// HandleRequest processes one MatchmakingRequest packet. Its signature
// matches the connection layer's handler shape for direct registration.
func (m *Matchmaker) HandleRequest(packet *protocol.Packet, connID string) {
	playerID := ""
	if packet != nil {
		playerID = packet.SenderID
	}
	if playerID == "" {
		m.sendError(connID, "invalid_request", "matchmaking request missing sender id")
		return
	}
	if !m.limiter.Allow(connID) {
		m.log.Debug("matchmaking request rate limited",
			logging.String("conn_id", connID), logging.String("player_id", playerID))
		m.sendError(connID, "rate_limited", "too many matchmaking requests")
		return
	}
	payload, err := protocol.ParseMatchmakingRequest(packet)
	if err != nil {
		m.sendError(connID, "invalid_request", "malformed matchmaking request")
		return
	}

	m.mu.Lock()
	if existing, ok := m.tickets[playerID]; ok {
		//1.- A repeat request refreshes the connection binding but keeps the
		// queue position.
		existing.ConnID = connID
		m.mu.Unlock()
		m.tryMatch()
		return
	}
	m.tickets[playerID] = &Ticket{
		PlayerID:   playerID,
		ConnID:     connID,
		Mode:       payload.Mode,
		Status:     TicketQueued,
		EnqueuedAt: m.now(),
	}
	m.queue = append(m.queue, playerID)
	queued := len(m.queue)
	m.mu.Unlock()

	m.log.Info("player queued for matchmaking",
		logging.String("player_id", playerID), logging.Int("queue_depth", queued))
	m.tryMatch()
}

// Cancel removes a queued player, for example on disconnect.
func (m *Matchmaker) Cancel(playerID string) {
	m.mu.Lock()
	ticket, ok := m.tickets[playerID]
	if !ok || ticket.Status != TicketQueued {
		m.mu.Unlock()
		return
	}
	delete(m.tickets, playerID)
	for i, queued := range m.queue {
		if queued == playerID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	m.log.Info("matchmaking ticket cancelled", logging.String("player_id", playerID))
}

// Ticket returns a copy of the player's ticket.
func (m *Matchmaker) Ticket(playerID string) (Ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ticket, ok := m.tickets[playerID]
	if !ok {
		return Ticket{}, false
	}
	return *ticket, true
}

// QueueDepth reports how many players await a match.
func (m *Matchmaker) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Room returns a room created by a previous match.
func (m *Matchmaker) Room(roomID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	return room, ok
}

// tryMatch fills one room when enough players are queued.
func (m *Matchmaker) tryMatch() {
	size := m.matchSize()

	m.mu.Lock()
	if len(m.queue) < size {
		m.mu.Unlock()
		return
	}
	//1.- Oldest tickets match first.
	members := m.queue[:size]
	m.queue = append([]string(nil), m.queue[size:]...)
	matched := make([]*Ticket, 0, size)
	for _, playerID := range members {
		if ticket, ok := m.tickets[playerID]; ok {
			ticket.Status = TicketMatched
			matched = append(matched, ticket)
		}
	}
	roomID := fmt.Sprintf("room-%d", m.roomSeq.Add(1))
	m.mu.Unlock()

	room, err := NewRoom(
		WithRoomID(roomID),
		WithRoomCapacity(m.capacity),
		WithRoomEnvLookup(func(string) string { return "" }),
	)
	if err != nil {
		m.log.Error("room construction failed", logging.Error(err))
		return
	}
	roster := make([]string, 0, len(matched))
	for _, ticket := range matched {
		if _, err := room.Join(ticket.PlayerID); err != nil {
			m.log.Error("room join failed",
				logging.String("player_id", ticket.PlayerID), logging.Error(err))
			continue
		}
		roster = append(roster, ticket.PlayerID)
	}

	m.mu.Lock()
	m.rooms[roomID] = room
	m.mu.Unlock()

	//2.- Tell every member where they landed.
	for _, ticket := range matched {
		result := protocol.New(protocol.TypeMatchmakingResult)
		result.RecipientID = ticket.PlayerID
		if err := result.SetData(protocol.MatchmakingResultPayload{
			RoomID:  roomID,
			Matched: true,
			Players: roster,
		}); err != nil {
			continue
		}
		m.sender.Send(result, ticket.ConnID)
	}
	m.announceRoster(room.Snapshot())

	//3.- Hand the room to the game and flip tickets to started.
	for _, ticket := range matched {
		m.starter.AddPlayer(ticket.PlayerID, ticket.ConnID)
	}
	m.starter.StartGame()
	m.mu.Lock()
	for _, ticket := range matched {
		ticket.Status = TicketStarted
	}
	m.mu.Unlock()

	m.log.Info("match started",
		logging.String("room_id", roomID), logging.Int("players", len(roster)))
}

// announceRoster broadcasts a LobbyUpdate for the room.
func (m *Matchmaker) announceRoster(snapshot RoomSnapshot) {
	update := protocol.New(protocol.TypeLobbyUpdate)
	if err := update.SetData(protocol.LobbyUpdatePayload{
		RoomID:     snapshot.RoomID,
		Players:    snapshot.Players,
		MinPlayers: snapshot.Capacity.MinPlayers,
		MaxPlayers: snapshot.Capacity.MaxPlayers,
	}); err != nil {
		return
	}
	m.sender.Broadcast(update)
}

func (m *Matchmaker) sendError(connID, code, message string) {
	if connID == "" {
		return
	}
	packet := protocol.New(protocol.TypeError)
	if err := packet.SetData(protocol.ErrorPayload{Code: code, Message: message}); err != nil {
		return
	}
	m.sender.Send(packet, connID)
}
