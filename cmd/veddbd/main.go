// Command veddbd runs a VedDB server: it loads configuration, replays any
// WAL left by a previous run into the durable store, opens the client
// wire-protocol listener, and (depending on configured role) serves or
// follows replication.
//
// © 2025 arena-cache authors. MIT License.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/veddb/veddb/internal/arena"
	"github.com/veddb/veddb/internal/segment"
	"github.com/veddb/veddb/pkg/config"
	"github.com/veddb/veddb/pkg/dispatch"
	"github.com/veddb/veddb/pkg/kv"
	"github.com/veddb/veddb/pkg/protocol"
	"github.com/veddb/veddb/pkg/pubsub"
	"github.com/veddb/veddb/pkg/replay"
	"github.com/veddb/veddb/pkg/replication"
	"github.com/veddb/veddb/pkg/session"
	"github.com/veddb/veddb/pkg/storage"
	"github.com/veddb/veddb/pkg/wal"
	"github.com/veddb/veddb/pkg/wire"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "veddbd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to a YAML config file (optional)")
		dataDir    = flag.String("data-dir", "./data", "root directory for WAL, storage, and snapshot state")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println(version)
		return nil
	}

	cfg := config.Default(*dataDir)
	if *configPath != "" {
		loaded, err := config.Load(*configPath, *dataDir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger, err := cfg.BuildLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	storageLayer, err := storage.Open(cfg.Storage.Dir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer storageLayer.Close()

	stats, err := replay.Directory(cfg.WAL.Dir, storageLayer, 0, logger)
	if err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}
	logger.Info("wal replay complete",
		zap.Uint64("entries_replayed", stats.EntriesReplayed),
		zap.Uint64("entries_skipped", stats.EntriesSkipped),
		zap.Uint64("errors", stats.Errors))

	walCfg, err := cfg.ToWALConfig(logger)
	if err != nil {
		return fmt.Errorf("build wal config: %w", err)
	}
	walWriter, err := wal.NewWriter(walCfg)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer walWriter.Close()

	arenaSize, err := cfg.ArenaSizeBytes()
	if err != nil {
		return fmt.Errorf("arena size: %w", err)
	}
	seg, err := segment.Create("veddb", uint64(arenaSize)+uint64(segment.HeaderSize))
	if err != nil {
		return fmt.Errorf("create shared segment: %w", err)
	}
	defer seg.Close()
	ar := arena.New(seg.ArenaBytes())

	maxKeySize, err := cfg.KVMaxKeySize()
	if err != nil {
		return fmt.Errorf("kv max key size: %w", err)
	}
	maxValueSize, err := cfg.KVMaxValueSize()
	if err != nil {
		return fmt.Errorf("kv max value size: %w", err)
	}
	store, err := kv.New(ar,
		kv.WithShards(cfg.KV.NumShards),
		kv.WithInitialCapacityPerShard(cfg.KV.InitialCapacityPerShard),
		kv.WithMaxKeySize(maxKeySize),
		kv.WithMaxValueSize(maxValueSize),
		kv.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init kv store: %w", err)
	}

	sessions := session.NewRegistry(
		session.WithCapacity(cfg.Session.Capacity),
		session.WithRingCapacity(cfg.Session.RingCapacity),
		session.WithSessionTimeout(cfg.Session.SessionTimeout),
	)
	topics := pubsub.NewRegistry(ar, cfg.PubSub.MaxTopics)

	dispatcher := dispatch.New()
	for opcode, handler := range dispatch.KVHandlers(store) {
		dispatcher.Register(opcode, handler)
	}
	for opcode, handler := range dispatch.DocumentHandlers(storageLayer, walWriter) {
		dispatcher.Register(opcode, handler)
	}
	for opcode, handler := range dispatch.PubSubHandlers(topics, cfg.PubSub.MaxSubscribers) {
		dispatcher.Register(opcode, handler)
	}
	compat := protocol.NewHandler(true, logger)

	repl, err := startReplication(ctx, cfg, storageLayer, walWriter, logger)
	if err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	_ = repl

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	logger.Info("veddbd listening", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	server := &clientServer{
		dispatcher: dispatcher,
		sessions:   sessions,
		compat:     compat,
		logger:     logger,
	}
	return server.acceptLoop(ctx, ln)
}

func startReplication(ctx context.Context, cfg config.Config, storageLayer *storage.Layer, walWriter *wal.Writer, logger *zap.Logger) (any, error) {
	replCfg, err := cfg.ToReplicationConfig()
	if err != nil {
		return nil, err
	}

	switch replCfg.Role {
	case replication.RoleMaster:
		if replCfg.ListenAddr == "" {
			logger.Info("replication listen_addr unset, replication master disabled")
			return nil, nil
		}
		master := replication.NewMaster(replCfg, storageLayer, cfg.WAL.Dir, walWriter, logger)
		ln, err := replication.Listen(ctx, replCfg.ListenAddr, logger)
		if err != nil {
			return nil, fmt.Errorf("replication listen: %w", err)
		}
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		go func() {
			if err := master.Serve(ctx, ln); err != nil && ctx.Err() == nil {
				logger.Warn("replication master serve exited", zap.Error(err))
			}
		}()
		return master, nil

	case replication.RoleSlave:
		slave := replication.NewSlave(replCfg, storageLayer, cfg.ListenAddr, logger)
		dial := func(ctx context.Context, addr string) (*replication.Connection, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, err
			}
			return replication.NewConnection(conn, addr, logger), nil
		}
		go func() {
			if err := slave.Run(ctx, dial); err != nil && ctx.Err() == nil {
				logger.Warn("replication slave exited", zap.Error(err))
			}
		}()
		return slave, nil

	default:
		return nil, fmt.Errorf("unrecognized replication role %v", replCfg.Role)
	}
}

// clientServer serves the wire protocol to connected clients: one session
// per TCP connection, commands translated through the v1 compatibility
// layer before reaching the dispatcher.
type clientServer struct {
	dispatcher *dispatch.Dispatcher
	sessions   *session.Registry
	compat     *protocol.Handler
	logger     *zap.Logger
}

func (s *clientServer) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *clientServer) handleConn(conn net.Conn) {
	defer conn.Close()

	id, err := s.sessions.Attach(0)
	if err != nil {
		s.logger.Warn("session registry at capacity, rejecting connection",
			zap.String("peer", conn.RemoteAddr().String()))
		return
	}
	defer s.sessions.Detach(id)

	for {
		cmd, err := readCommand(conn)
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("connection read failed", zap.Error(err))
			}
			return
		}
		s.sessions.Heartbeat(id)

		originalOpcode := wire.Opcode(cmd.Header.Opcode)
		wasLegacy := cmd.Header.Version == wire.VersionLegacy

		translated, err := s.compat.TranslateCommand(cmd)
		if err != nil {
			status := dispatch.StatusFor(err)
			if _, writeErr := conn.Write(wire.Response{Status: status, Seq: cmd.Header.Seq}.Encode()); writeErr != nil {
				return
			}
			continue
		}

		respBytes := s.dispatcher.Dispatch(translated.Encode())
		if wasLegacy {
			resp, decodeErr := wire.DecodeResponse(respBytes)
			if decodeErr == nil {
				if translatedResp, tErr := s.compat.TranslateResponse(resp, originalOpcode); tErr == nil {
					respBytes = translatedResp.Encode()
				}
			}
		}

		if _, err := conn.Write(respBytes); err != nil {
			return
		}
	}
}

// readCommand reads one full command frame: the fixed 24-byte header,
// then the key/value payload it declares.
func readCommand(r io.Reader) (wire.Command, error) {
	var headerBuf [wire.HeaderSize]byte
	if _, err := io.ReadFull(r, headerBuf[:]); err != nil {
		return wire.Command{}, err
	}
	h, err := wire.DecodeHeader(headerBuf[:])
	if err != nil {
		return wire.Command{}, err
	}

	body := make([]byte, int(h.KeyLen)+int(h.ValueLen))
	if len(body) > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return wire.Command{}, err
		}
	}

	frame := make([]byte, 0, len(headerBuf)+len(body))
	frame = append(frame, headerBuf[:]...)
	frame = append(frame, body...)
	return wire.DecodeCommand(frame)
}
