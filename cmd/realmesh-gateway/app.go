package main

import (
	"context"
	"encoding/base64"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"realmesh/pkg/api"
	"realmesh/pkg/config"
	"realmesh/pkg/crypto"
	"realmesh/pkg/memkv"
	"realmesh/pkg/meshtypes"
	"realmesh/pkg/node"
	"realmesh/pkg/observability"
	"realmesh/pkg/protocol"
	"realmesh/pkg/protocol/codec"
	"realmesh/pkg/radio"
	"realmesh/pkg/radio/simradio"
	"realmesh/pkg/routing"
	"realmesh/pkg/store"
	"realmesh/pkg/transport"
)

const tickInterval = 100 * time.Millisecond

// bodyRegistry backs the compact Payload encoding below; shared across
// sessions since the built-in codecs carry no per-request state.
var bodyRegistry = codec.NewRegistry()

// wireResponse is api.Response flattened to plain JSON-friendly types; a
// *structpb.Struct doesn't round-trip through encoding/json on its own, so
// Data is converted to a map before marshaling. Payload carries the same
// Data through pkg/protocol's format-tagged body codec instead, base64ed,
// for a client that wants to re-decode the structured payload on its own
// rather than trust the flattened map.
type wireResponse struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Payload   string         `json:"payload,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
}

// dispatchJob carries one decoded request from a session's serve loop onto
// the single goroutine that owns the node and dispatcher.
type dispatchJob struct {
	req  api.Request
	resp chan wireResponse
}

// run is the main entry point after CLI parsing. The gateway is a
// full node process (spec §5's node, begun exactly as cmd/realmesh-node
// does) that additionally exposes pkg/api's command surface as JSON
// frames over a pkg/transport listener, for the shell and any other
// off-node client.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, ringSink, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	zap.L().Info("realmesh-gateway started", zap.String("app", cfg.AppName), zap.String("listen", opts.Listen))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rd, cleanupRadio, err := buildRadio(ctx, opts, cfg)
	if err != nil {
		zap.L().Error("failed to build radio", zap.Error(err))
		return 1
	}
	defer cleanupRadio()

	kv := memkv.New(memkv.Options{Shards: 32})
	defer kv.Close()
	routeStore := routing.NewStore(kv)
	st := store.NewMemStore()

	var dispatcher *api.Dispatcher
	n, err := node.Begin(st, rd, routeStore, node.Config{
		DesiredNodeID:    cfg.Node.DesiredNodeID,
		DesiredSubdomain: cfg.Node.DesiredSubdomain,
		Stationary:       cfg.Node.Stationary,
	}, node.Events{
		MessageReceived: func(from meshtypes.NodeAddress, text string, timestamp uint32) {
			if dispatcher != nil {
				dispatcher.RecordDelivery(from, text, timestamp, false, false)
			}
		},
	})
	if err != nil {
		zap.L().Error("failed to begin node", zap.Error(err))
		return 1
	}

	cipher, err := buildCipher(cfg.Crypto)
	if err != nil {
		zap.L().Error("failed to build cipher", zap.Error(err))
		return 1
	}
	n.SetCipher(cipher)

	dispatcher = api.NewDispatcher(n, rd, ringSink)

	ctrlTr, err := selectTransport(gatewayTransportKind(cfg))
	if err != nil {
		zap.L().Error("failed to select control-plane transport", zap.Error(err))
		return 1
	}
	listener, err := ctrlTr.Listen(ctx, opts.Listen)
	if err != nil {
		zap.L().Error("failed to listen", zap.Error(err))
		return 1
	}
	defer listener.Close()

	jobs := make(chan dispatchJob, 32)
	go acceptLoop(ctx, listener, jobs)

	zap.L().Info("node is running", zap.String("address", n.Address().Display()))
	mainLoop(ctx, n, dispatcher, jobs)
	zap.L().Info("realmesh-gateway shutting down")
	return 0
}

func gatewayTransportKind(cfg *config.Config) string {
	if len(cfg.Transports) > 0 {
		return cfg.Transports[0].Kind
	}
	return "tcp"
}

// acceptLoop accepts inbound control sessions and hands each off to its own
// per-session serve loop; decoded requests flow onto jobs so dispatch stays
// on the node's single goroutine.
func acceptLoop(ctx context.Context, l transport.Listener, jobs chan<- dispatchJob) {
	for {
		sess, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			zap.L().Warn("gateway accept failed", zap.Error(err))
			continue
		}
		go serveSession(ctx, sess, jobs)
	}
}

func serveSession(ctx context.Context, sess transport.Session, jobs chan<- dispatchJob) {
	defer sess.Close()
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		zap.L().Warn("gateway accept stream failed", zap.Error(err))
		return
	}
	defer stream.Close()

	for {
		frame, err := stream.RecvBytes()
		if err != nil {
			return
		}
		var req api.Request
		if err := codec.JSON().Unmarshal(frame, &req); err != nil {
			out, _ := codec.JSON().Marshal(wireResponse{Success: false, Message: "malformed request: " + err.Error(), ErrorCode: meshtypes.CodeBadPacket.String()})
			_ = stream.SendBytes(out)
			continue
		}
		job := dispatchJob{req: req, resp: make(chan wireResponse, 1)}
		select {
		case jobs <- job:
		case <-ctx.Done():
			return
		}
		select {
		case resp := <-job.resp:
			out, err := codec.JSON().Marshal(resp)
			if err != nil {
				return
			}
			if err := stream.SendBytes(out); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// mainLoop is the spec §5 cooperative loop, extended to also service one
// queued control-plane request per iteration so dispatcher.Dispatch is
// never called from more than one goroutine.
func mainLoop(ctx context.Context, n *node.Node, dispatcher *api.Dispatcher, jobs <-chan dispatchJob) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n.Poll()
			n.Tick(now)
			n.Maintain()
		case job := <-jobs:
			resp := dispatcher.Dispatch(job.req)
			w := wireResponse{Success: resp.Success, Message: resp.Message, ErrorCode: resp.ErrorCode}
			if resp.Data != nil {
				w.Data = resp.Data.AsMap()
				if b, err := resp.EncodePayload(bodyRegistry, protocol.FormatProto); err == nil {
					w.Payload = base64.StdEncoding.EncodeToString(b)
				}
			}
			job.resp <- w
		}
	}
}

func buildRadio(ctx context.Context, opts Options, cfg *config.Config) (radio.Radio, func(), error) {
	if opts.AetherAddr == "" {
		aether := simradio.NewAether()
		name := cfg.Node.DesiredNodeID
		if name == "" {
			name = cfg.AppName
		}
		rd := aether.Join(name)
		return rd, func() { aether.Leave(name) }, nil
	}

	kind := ""
	if len(cfg.Transports) > 0 {
		kind = cfg.Transports[0].Kind
	}
	tr, err := selectTransport(kind)
	if err != nil {
		return nil, func() {}, err
	}

	peer := transport.PeerInfo{ID: transport.PeerID(cfg.Node.DesiredNodeID)}
	quality := simradio.LinkQuality{RSSIDBm: -70, SNRDB: 8}
	rd, err := simradio.DialNetRadio(ctx, tr, opts.AetherAddr, peer, quality)
	if err != nil {
		return nil, func() {}, err
	}
	return rd, func() { _ = rd.Close() }, nil
}

func buildCipher(c config.CryptoConfig) (crypto.Cipher, error) {
	switch strings.ToLower(c.Alg) {
	case "", "none":
		return crypto.NopCipher{}, nil
	case "chacha20poly1305":
		key, err := loadCryptoKey(c)
		if err != nil {
			return nil, err
		}
		return crypto.NewChaCha20Poly1305(key)
	default:
		return crypto.NopCipher{}, nil
	}
}

func loadCryptoKey(c config.CryptoConfig) ([]byte, error) {
	encoded := c.Key
	if encoded == "" && c.KeyFile != "" {
		raw, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, err
		}
		encoded = strings.TrimSpace(string(raw))
	}
	return base64.RawURLEncoding.DecodeString(encoded)
}
