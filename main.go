package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"termarena/server/internal/config"
	"termarena/server/internal/connection"
	"termarena/server/internal/game"
	"termarena/server/internal/lagcomp"
	"termarena/server/internal/lobby"
	"termarena/server/internal/logging"
	"termarena/server/internal/protocol"
	"termarena/server/internal/rpc"
	"termarena/server/internal/session"
	"termarena/server/internal/spectator"
	"termarena/server/internal/tick"
	"termarena/server/internal/timesync"
	"termarena/server/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	//1.- Resolve configuration before anything else so every component sees the same tunables.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("initialise logging: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	//2.- Core simulation: authoritative state, fixed-rate ticks, connection bookkeeping.
	gameID := fmt.Sprintf("arena-%s", time.Now().UTC().Format("20060102-150405"))
	state := game.NewState(gameID)
	ticks := tick.NewManager(cfg.TickRate, logger)
	conns := connection.NewManager(logger,
		connection.WithAckTimeout(cfg.AckTimeout),
		connection.WithSweepInterval(cfg.SweepInterval),
		connection.WithReceiveTimeout(cfg.ReceiveTimeout),
	)

	//3.- Spectator pipeline: live feed for gRPC watchers plus an on-disk replay bundle.
	feed := spectator.NewFeed(spectator.FeedConfig{})
	recorder, manifest, err := spectator.NewRecorder(cfg.ReplayDir, gameID, time.Now)
	if err != nil {
		return fmt.Errorf("open replay recorder: %w", err)
	}
	logger.Info("recording replay bundle",
		logging.String("game_id", manifest.GameID),
		logging.String("directory", recorder.Directory()))

	index, err := spectator.OpenIndex(filepath.Join(cfg.ReplayDir, "replays.db"))
	if err != nil {
		return fmt.Errorf("open replay index: %w", err)
	}
	defer index.Close()

	cleaner := spectator.NewCleaner(cfg.ReplayDir, spectator.RetentionPolicy{
		MaxAge: cfg.ReplayRetention,
	}, logger)
	go cleaner.Run(ctx, time.Hour)

	//4.- Rewind history for hit verification and claimed-position checks,
	// fed from the tick loop below.
	reconciler := lagcomp.NewReconciler(lagcomp.ReconcilerConfig{
		HistoryDuration: cfg.HistoryDuration,
		MaxRewind:       cfg.MaxRewind,
		InputTolerance:  cfg.InputTolerance,
	})

	//5.- Game server with gated, claim-checked inputs and the spectator sinks.
	gate := game.NewGate(game.GateConfig{
		MaxAge:      cfg.HistoryDuration,
		MinInterval: ticks.Interval() / 2,
	})
	server := game.NewServer(state, conns, ticks, logger,
		game.WithInputBufferSize(cfg.InputBuffer),
		game.WithBroadcastRate(cfg.BroadcastRate),
		game.WithInputGate(gate),
		game.WithClaimValidator(reconciler),
		game.WithFrameSink(spectator.SinkGroup{feed, recorder}),
	)
	playerHitbox := lagcomp.Hitbox{HalfWidth: 0.5, HalfHeight: 0.5}
	server.OnUpdate(func(tickNumber uint64, delta time.Duration) {
		now := time.Now()
		for _, player := range state.Players() {
			reconciler.Record(lagcomp.Snapshot{
				PlayerID:  player.ID,
				Timestamp: now,
				Seq:       player.LastInputSequence,
				Position:  player.Position,
				Velocity:  player.Velocity,
				Hitbox:    playerHitbox,
			})
		}
	})
	server.OnLeave(func(playerID string) { reconciler.Forget(playerID) })

	//6.- Matchmaking queue routing matched players straight into the game server.
	matchmaker, err := lobby.NewMatchmaker(matchCapacity(), conns, server, logger)
	if err != nil {
		return fmt.Errorf("initialise matchmaker: %w", err)
	}
	conns.RegisterHandler(protocol.TypeMatchmakingRequest, matchmaker.HandleRequest)

	//7.- Transports: one accept loop per listener, all funnelling into the manager.
	sessions := session.NewServer(conns, logger)
	tcpListener, err := transport.ListenTCP(cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", cfg.TCPAddr, err)
	}
	sessions.AddListener(tcpListener)
	udpListener, err := transport.ListenUDP(cfg.UDPAddr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", cfg.UDPAddr, err)
	}
	sessions.AddListener(udpListener)
	wsListener, err := transport.ListenWS(cfg.WSAddr)
	if err != nil {
		return fmt.Errorf("listen websocket %s: %w", cfg.WSAddr, err)
	}
	sessions.AddListener(wsListener)

	//8.- gRPC surface: spectator frame streaming and clock drift samples.
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}
	grpcServer := grpc.NewServer()
	rpc.RegisterSpectatorFeedServer(grpcServer, spectator.NewFeedService(feed))
	rpc.RegisterTimeSyncServer(grpcServer, timesync.NewService(
		timesync.NewSimSampler(state, cfg.TickRate), time.Second, logger))
	grpcErr := make(chan error, 1)
	go func() { grpcErr <- grpcServer.Serve(grpcListener) }()

	sessions.Start()
	server.Start(ctx)
	logger.Info("game server listening",
		logging.String("game_id", gameID),
		logging.String("tcp", cfg.TCPAddr),
		logging.String("udp", cfg.UDPAddr),
		logging.String("ws", cfg.WSAddr),
		logging.String("grpc", cfg.GRPCAddr))

	select {
	case <-ctx.Done():
	case err := <-grpcErr:
		if err != nil {
			logger.Error("grpc server failed", logging.Error(err))
		}
	}

	//9.- Shutdown in dependency order: stop intake, then the simulation, then flush the bundle.
	logger.Info("shutting down")
	grpcServer.GracefulStop()
	sessions.Stop()
	server.Stop()
	if err := recorder.Close(); err != nil {
		logger.Error("close replay bundle", logging.Error(err))
	} else {
		firstTick, lastTick := recorder.TickSpan()
		if _, err := index.Add(spectator.BundleRecord{
			GameID:    gameID,
			Directory: recorder.Directory(),
			CreatedAt: time.Now().UTC(),
			FirstTick: firstTick,
			LastTick:  lastTick,
		}); err != nil {
			logger.Error("index replay bundle", logging.Error(err))
		}
	}
	return nil
}

// matchCapacity reads the lobby room sizing from the environment, falling back
// to two-player duels capped at four occupants.
func matchCapacity() lobby.Capacity {
	capacity := lobby.Capacity{MinPlayers: 2, MaxPlayers: 4}
	if raw := os.Getenv("ARENA_MATCH_MIN_PLAYERS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			capacity.MinPlayers = value
		}
	}
	if raw := os.Getenv("ARENA_MATCH_MAX_PLAYERS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value >= capacity.MinPlayers {
			capacity.MaxPlayers = value
		}
	}
	return capacity
}
