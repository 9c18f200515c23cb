// Package session wraps the connection layer into client and server session
// objects with lifecycle management.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"termarena/server/internal/connection"
	"termarena/server/internal/logging"
	"termarena/server/internal/protocol"
	"termarena/server/internal/transport"
)

// DefaultPingInterval spaces the latency probes sent by a client session.
const DefaultPingInterval = time.Second

// Client is one player's session: a single managed connection plus the ping
// loop that keeps its latency estimate fresh.
type Client struct {
	log      *logging.Logger
	conns    *connection.Manager
	playerID string

	pingInterval time.Duration
	inputSeq     atomic.Uint64

	mu        sync.Mutex
	connID    string
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// ClientOption customises client construction.
type ClientOption func(*Client)

// WithPingInterval overrides the latency probe cadence.
func WithPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		if interval > 0 {
			c.pingInterval = interval
		}
	}
}

// NewClient builds a client session for the player around a connection
// manager.
func NewClient(playerID string, conns *connection.Manager, logger *logging.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = logging.L()
	}
	c := &Client{
		log:          logger.With(logging.String("player_id", playerID)),
		conns:        conns,
		playerID:     playerID,
		pingInterval: DefaultPingInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Connect dials the server over the supplied transport and starts the ping
// loop. The player identifier doubles as the connection identifier.
func (c *Client) Connect(ctx context.Context, tr transport.Transport, host string, port int) error {
	connID, ok := c.conns.ConnectClient(ctx, tr, host, port, c.playerID)
	if !ok {
		return fmt.Errorf("connect %s:%d: connection refused", host, port)
	}
	c.mu.Lock()
	c.connID = connID
	c.mu.Unlock()

	//1.- Pong replies close the loop on the latency estimate.
	c.conns.RegisterHandler(protocol.TypePong, c.handlePong)

	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	c.wg.Add(1)
	go c.pingLoop(loopCtx)

	c.log.Info("client session connected",
		logging.String("host", host), logging.Int("port", port))
	return nil
}

// ConnID returns the identifier of the active connection.
func (c *Client) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// SendInput transmits a directional input frame with the next client-side
// input sequence number.
func (c *Client) SendInput(moveX, moveY float64, actions []string) bool {
	packet := protocol.New(protocol.TypePlayerInput)
	packet.SenderID = c.playerID
	predicted := protocol.InputPayload{
		Sequence:  c.inputSeq.Add(1),
		MoveX:     moveX,
		MoveY:     moveY,
		Actions:   actions,
		SentAtSec: protocol.Now(),
	}
	if err := packet.SetData(predicted); err != nil {
		return false
	}
	return c.conns.Send(packet, c.ConnID())
}

// SendChat transmits a chat message with delivery confirmation requested.
func (c *Client) SendChat(text string) bool {
	packet := protocol.New(protocol.TypeChatMessage)
	packet.SenderID = c.playerID
	packet.RequiresAck = true
	packet.Data["text"] = text
	return c.conns.Send(packet, c.ConnID())
}

// Send transmits an arbitrary packet over the session connection.
func (c *Client) Send(packet *protocol.Packet) bool {
	if packet != nil && packet.SenderID == "" {
		packet.SenderID = c.playerID
	}
	return c.conns.Send(packet, c.ConnID())
}

// OnPacket registers a handler for inbound packets of the given type and
// returns its removal function.
func (c *Client) OnPacket(t protocol.Type, handler connection.Handler) func() {
	return c.conns.RegisterHandler(t, handler)
}

// Latency reports the smoothed round-trip estimate for the connection.
func (c *Client) Latency() time.Duration {
	return c.conns.Latency(c.ConnID())
}

// Close stops the ping loop and tears the connection down.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		connID := c.connID
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.wg.Wait()
		if connID != "" {
			c.conns.Disconnect(connID)
		}
		c.log.Info("client session closed")
	})
}

// pingLoop sends latency probes at a fixed cadence until cancelled.
func (c *Client) pingLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping := protocol.New(protocol.TypePing)
			ping.SenderID = c.playerID
			ping.Data["ping_id"] = ping.ID
			ping.Data["sent_at"] = protocol.Now()
			c.conns.Send(ping, c.ConnID())
		}
	}
}

// handlePong folds a probe round trip into the latency estimate.
func (c *Client) handlePong(packet *protocol.Packet, connID string) {
	if connID != c.ConnID() {
		return
	}
	payload, err := protocol.ParsePing(packet)
	if err != nil || payload.SentAtSec <= 0 {
		return
	}
	rttSec := protocol.Now() - payload.SentAtSec
	if rttSec <= 0 {
		return
	}
	c.conns.RecordLatency(connID, time.Duration(rttSec*float64(time.Second)))
}
