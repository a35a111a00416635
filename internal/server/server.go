// Package server listens for follower replication connections, reads
// the JOIN/SUBSCRIBE handshake, and hands each connection off to a
// relay.Manager subscription — the network front door to
// internal/wal and internal/relay, grounded on the teacher's gRPC
// listener lifecycle (listen, accept loop, per-connection goroutine,
// graceful shutdown) but speaking spec.md's raw xrow stream protocol
// instead of a generated RPC service.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/walrelay/internal/config"
	"github.com/devrev/pairdb/walrelay/internal/model"
	"github.com/devrev/pairdb/walrelay/internal/relay"
	"github.com/devrev/pairdb/walrelay/internal/wireproto"
	"github.com/devrev/pairdb/walrelay/internal/xlog"
)

// Server accepts replication connections and subscribes each one onto a
// relay.Manager.
type Server struct {
	manager    *relay.Manager
	injection  config.InjectionConfig
	repl       config.ReplicationConfig
	logger     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New returns a Server that subscribes accepted connections through
// manager.
func New(manager *relay.Manager, repl config.ReplicationConfig, injection config.InjectionConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{manager: manager, repl: repl, injection: injection, logger: logger}
}

// Serve listens on addr and accepts replication connections until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("replication server listening", zap.String("addr", addr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	handshake, vclock, err := wireproto.Read(conn)
	if err != nil {
		s.logger.Warn("server: handshake failed", zap.Error(err), zap.String("remote", conn.RemoteAddr().String()))
		return
	}
	isInitialJoin := handshake.Command == wireproto.CmdJoin
	replicaID := handshake.ReplicaID

	cap := relay.Capability{
		Write: connWriter(conn),
	}
	injection := relay.InjectionHooks{
		SendDelay:          s.injection.SendDelay,
		SendTimeout:        s.injection.SendTimeout,
		IgnoreMemoryWindow: s.injection.IgnoreMemoryWindow,
		ExitDelay:          s.injection.ExitDelay,
	}

	if err := s.manager.Subscribe(ctx, replicaID, vclock, isInitialJoin, cap, injection, s.repl.Timeout); err != nil {
		s.logger.Warn("server: subscribe failed", zap.Error(err), zap.Uint32("replica_id", replicaID))
		return
	}

	r, ok := s.manager.Get(replicaID)
	if !ok {
		return
	}

	reader := relay.NewAckReader(r, deadlineReader{conn, s.repl.DisconnectTimeout})
	if err := reader.Run(ctx); err != nil {
		s.logger.Debug("server: ack reader ended", zap.Error(err), zap.Uint32("replica_id", replicaID))
	}
	s.manager.Unsubscribe(replicaID)
}

// deadlineReader resets conn's read deadline before every Read so a
// follower that stops acknowledging for longer than timeout is dropped
// (Replication.DisconnectTimeout), while a follower that acks regularly
// never times out no matter how long the connection has been open. A
// zero timeout disables the deadline entirely.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (d deadlineReader) Read(p []byte) (int, error) {
	if d.timeout > 0 {
		d.conn.SetReadDeadline(time.Now().Add(d.timeout))
	}
	return d.conn.Read(p)
}

// connWriter adapts a net.Conn into the relay.WriteFunc capability,
// framing every row exactly as xlog does on disk — the wire protocol and
// the file format share one row encoding by design (spec §6).
func connWriter(conn net.Conn) relay.WriteFunc {
	return func(row *model.Row) error {
		buf, err := xlog.EncodeRow(nil, row)
		if err != nil {
			return err
		}
		_, err = conn.Write(buf)
		return err
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
