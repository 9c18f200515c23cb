package game

import (
	"testing"
	"time"

	"termarena/server/internal/connection"
	"termarena/server/internal/logging"
	"termarena/server/internal/protocol"
	"termarena/server/internal/tick"
)

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	logger := logging.NewTestLogger()
	state := NewState("game-test")
	conns := connection.NewManager(logger)
	ticks := tick.NewManager(60, logger)
	return NewServer(state, conns, ticks, logger, opts...)
}

func inputPacket(t *testing.T, player string, seq uint64, moveX, moveY float64) *protocol.Packet {
	t.Helper()
	packet := protocol.New(protocol.TypePlayerInput)
	packet.SenderID = player
	if err := packet.SetData(protocol.InputPayload{Sequence: seq, MoveX: moveX, MoveY: moveY}); err != nil {
		t.Fatalf("set input payload: %v", err)
	}
	return packet
}

func TestServerAppliesOnlyLatestBufferedInput(t *testing.T) {
	server := newTestServer(t)
	server.AddPlayer("p1", "")
	server.StartGame()

	server.handleInput(inputPacket(t, "p1", 1, 1, 0), "")
	server.handleInput(inputPacket(t, "p1", 2, 0, 1), "")
	server.handleInput(inputPacket(t, "p1", 3, -1, 0), "")

	server.onTick(0, 16*time.Millisecond)

	player, ok := server.State().Player("p1")
	if !ok {
		t.Fatalf("player missing after tick")
	}
	if player.Velocity.X != -1 || player.Velocity.Y != 0 {
		t.Fatalf("velocity = %+v, want latest input {-1 0}", player.Velocity)
	}

	server.mu.Lock()
	pending := len(server.inputs["p1"])
	server.mu.Unlock()
	if pending != 0 {
		t.Fatalf("input queue not drained, %d entries remain", pending)
	}
}

func TestServerRejectsStaleSequences(t *testing.T) {
	server := newTestServer(t)
	server.AddPlayer("p1", "")

	server.handleInput(inputPacket(t, "p1", 5, 1, 0), "")
	server.handleInput(inputPacket(t, "p1", 5, 2, 0), "")
	server.handleInput(inputPacket(t, "p1", 4, 3, 0), "")

	server.mu.Lock()
	queue := append([]*protocol.InputPayload(nil), server.inputs["p1"]...)
	server.mu.Unlock()
	if len(queue) != 1 {
		t.Fatalf("buffered %d inputs, want 1", len(queue))
	}
	if queue[0].Sequence != 5 || queue[0].MoveX != 1 {
		t.Fatalf("wrong input survived: %+v", queue[0])
	}
}

func TestServerBoundsInputQueue(t *testing.T) {
	server := newTestServer(t, WithInputBufferSize(3))
	server.AddPlayer("p1", "")

	for seq := uint64(1); seq <= 5; seq++ {
		server.handleInput(inputPacket(t, "p1", seq, float64(seq), 0), "")
	}

	server.mu.Lock()
	queue := append([]*protocol.InputPayload(nil), server.inputs["p1"]...)
	server.mu.Unlock()
	if len(queue) != 3 {
		t.Fatalf("queue length = %d, want 3", len(queue))
	}
	if queue[0].Sequence != 3 || queue[2].Sequence != 5 {
		t.Fatalf("oldest entries not dropped: first=%d last=%d", queue[0].Sequence, queue[2].Sequence)
	}
}

type scriptedValidator struct {
	accept bool
	claims []Vec2
}

func (v *scriptedValidator) ValidateClaim(_ string, claimed Vec2, _ time.Time) bool {
	v.claims = append(v.claims, claimed)
	return v.accept
}

func TestServerRejectsImplausibleClaimedPositions(t *testing.T) {
	validator := &scriptedValidator{accept: false}
	server := newTestServer(t, WithClaimValidator(validator))
	server.AddPlayer("p1", "")

	claimed := inputPacket(t, "p1", 1, 1, 0)
	claimed.Data["claimed_x"] = 500.0
	claimed.Data["claimed_y"] = 0.0
	server.handleInput(claimed, "")

	server.mu.Lock()
	pending := len(server.inputs["p1"])
	server.mu.Unlock()
	if pending != 0 {
		t.Fatalf("rejected claim was buffered, %d entries", pending)
	}
	if len(validator.claims) != 1 || validator.claims[0].X != 500 {
		t.Fatalf("validator saw claims %+v, want one at x=500", validator.claims)
	}

	//1.- The rejected sequence was never consumed, so a corrected resend
	// of the same frame still goes through.
	validator.accept = true
	retry := inputPacket(t, "p1", 1, 1, 0)
	retry.Data["claimed_x"] = 0.5
	retry.Data["claimed_y"] = 0.0
	server.handleInput(retry, "")

	server.mu.Lock()
	pending = len(server.inputs["p1"])
	server.mu.Unlock()
	if pending != 1 {
		t.Fatalf("accepted claim not buffered, %d entries", pending)
	}
}

func TestServerSkipsClaimCheckWithoutClaim(t *testing.T) {
	validator := &scriptedValidator{accept: false}
	server := newTestServer(t, WithClaimValidator(validator))
	server.AddPlayer("p1", "")

	server.handleInput(inputPacket(t, "p1", 1, 1, 0), "")

	server.mu.Lock()
	pending := len(server.inputs["p1"])
	server.mu.Unlock()
	if pending != 1 {
		t.Fatalf("claim-free input dropped, %d entries", pending)
	}
	if len(validator.claims) != 0 {
		t.Fatalf("validator consulted without a claim: %+v", validator.claims)
	}
}

type scriptedFilter struct {
	result FilterResult
	text   string
}

func (f scriptedFilter) Filter(_ string, text string) (FilterResult, string) {
	if f.result == FilterModified {
		return f.result, f.text
	}
	return f.result, text
}

func TestServerChatModeration(t *testing.T) {
	t.Run("blocked messages vanish", func(t *testing.T) {
		server := newTestServer(t, WithChatFilter(scriptedFilter{result: FilterBlocked}))
		server.AddPlayer("p1", "")
		server.drainEvents()

		packet := protocol.New(protocol.TypeChatMessage)
		packet.SenderID = "p1"
		packet.Data["text"] = "rude words"
		server.handleChat(packet, "")

		if events := server.drainEvents(); len(events) != 0 {
			t.Fatalf("blocked chat produced events: %+v", events)
		}
	})

	t.Run("modified text replaces original", func(t *testing.T) {
		server := newTestServer(t, WithChatFilter(scriptedFilter{result: FilterModified, text: "*** words"}))
		server.AddPlayer("p1", "")
		server.drainEvents()

		packet := protocol.New(protocol.TypeChatMessage)
		packet.SenderID = "p1"
		packet.Data["text"] = "rude words"
		server.handleChat(packet, "")

		events := server.drainEvents()
		if len(events) != 1 || events[0].Type != "chat" {
			t.Fatalf("events = %+v, want one chat event", events)
		}
		if events[0].Data["text"] != "*** words" {
			t.Fatalf("chat text = %v, want moderated replacement", events[0].Data["text"])
		}
	})
}

func TestServerJoinLeaveCallbacks(t *testing.T) {
	server := newTestServer(t)

	var joined, left []string
	server.OnJoin(func(id string) { panic("first callback fails") })
	server.OnJoin(func(id string) { joined = append(joined, id) })
	server.OnLeave(func(id string) { left = append(left, id) })

	server.AddPlayer("p1", "conn-1")
	if len(joined) != 1 || joined[0] != "p1" {
		t.Fatalf("join callbacks = %v, want [p1] despite earlier panic", joined)
	}

	server.RemovePlayer("p1")
	if len(left) != 1 || left[0] != "p1" {
		t.Fatalf("leave callbacks = %v, want [p1]", left)
	}
	if server.PlayerCount() != 0 {
		t.Fatalf("player count = %d after removal", server.PlayerCount())
	}

	// Removing twice must not fire callbacks again.
	server.RemovePlayer("p1")
	if len(left) != 1 {
		t.Fatalf("leave callbacks fired on repeat removal: %v", left)
	}
}

func TestServerUpdateCallbacksSeeAdvancedTick(t *testing.T) {
	server := newTestServer(t)
	server.AddPlayer("p1", "")
	server.StartGame()

	var seen []uint64
	server.OnUpdate(func(tickNumber uint64, _ time.Duration) { seen = append(seen, tickNumber) })

	server.onTick(0, 16*time.Millisecond)
	server.onTick(1, 16*time.Millisecond)
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("update callbacks saw %v, want [1 2]", seen)
	}
}

type captureSink struct {
	ticks  []uint64
	states []map[string]any
	events [][]Event
}

func (c *captureSink) PushFrame(tick uint64, state map[string]any, events []Event) {
	c.ticks = append(c.ticks, tick)
	c.states = append(c.states, state)
	c.events = append(c.events, events)
}

func TestServerPushesFramesToSink(t *testing.T) {
	sink := &captureSink{}
	server := newTestServer(t, WithFrameSink(sink))
	server.AddPlayer("p1", "")
	server.StartGame()

	server.onTick(0, 16*time.Millisecond)
	if len(sink.ticks) != 1 || sink.ticks[0] != 1 {
		t.Fatalf("sink ticks = %v, want [1]", sink.ticks)
	}
	if sink.states[0]["game_id"] != "game-test" {
		t.Fatalf("sink snapshot missing game id: %v", sink.states[0])
	}
	//1.- Join and start events accumulated before the first tick ride along.
	if len(sink.events[0]) == 0 {
		t.Fatalf("expected queued events in first frame")
	}

	server.onTick(1, 16*time.Millisecond)
	if len(sink.events[1]) != 0 {
		t.Fatalf("second frame should carry no events, got %+v", sink.events[1])
	}
}

func TestServerStartGamePromotesConnectedPlayers(t *testing.T) {
	server := newTestServer(t)
	server.AddPlayer("early", "")
	server.StartGame()
	server.AddPlayer("late", "")

	early, _ := server.State().Player("early")
	if early.Status != StatusPlaying {
		t.Fatalf("early player status = %s, want playing", early.Status)
	}
	late, _ := server.State().Player("late")
	if late.Status != StatusPlaying {
		t.Fatalf("late joiner status = %s, want playing", late.Status)
	}
}

func TestServerStats(t *testing.T) {
	server := newTestServer(t)
	server.AddPlayer("p1", "")
	server.onTick(0, 16*time.Millisecond)

	stats := server.Stats()
	if stats.GameID != "game-test" || stats.Players != 1 || stats.Tick != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}
