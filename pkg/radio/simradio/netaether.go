package simradio

import (
	"context"
	"time"

	"go.uber.org/zap"

	"realmesh/pkg/transport"
)

// AetherServer bridges remote NetRadio clients into a local in-process
// Aether, so nodes running in separate processes can share the same
// simulated medium as nodes running in this one. It reuses the transport
// package's Transport/Session abstraction (tcp/udp/quic/winpipe) purely as
// the wire between processes; fan-out, reachability, and per-link quality
// still live entirely in Aether.
type AetherServer struct {
	aether *Aether
	tr     transport.Transport
}

// NewAetherServer builds a server bridging tr's inbound sessions into aether.
func NewAetherServer(aether *Aether, tr transport.Transport) *AetherServer {
	return &AetherServer{aether: aether, tr: tr}
}

// Serve listens on address and bridges every accepted session into the
// aether, under that session's peer id, until ctx is canceled.
func (s *AetherServer) Serve(ctx context.Context, address string) error {
	l, err := s.tr.Listen(ctx, address)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	for {
		sess, err := l.Accept(ctx)
		if err != nil {
			return err
		}
		go s.bridge(ctx, sess)
	}
}

func (s *AetherServer) bridge(ctx context.Context, sess transport.Session) {
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		zap.L().Warn("aether bridge: accept stream failed", zap.Error(err))
		return
	}
	defer stream.Close()

	name := string(sess.Peer().ID)
	member := s.aether.Join(name)
	defer s.aether.Leave(name)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			frame, err := stream.RecvBytes()
			if err != nil {
				return
			}
			_ = member.Send(frame)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		default:
		}
		rx, ok := member.Poll()
		if !ok {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err := stream.SendBytes(rx.Payload); err != nil {
			return
		}
	}
}
