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
	"realmesh/pkg/radio"
	"realmesh/pkg/radio/simradio"
	"realmesh/pkg/routing"
	"realmesh/pkg/store"
	"realmesh/pkg/transport"
)

// tickInterval drives the node's cooperative single-threaded loop (spec §5):
// poll the radio, tick the state machine and run periodic maintenance, then
// sleep until the next tick. This binary serves no control-plane requests.
const tickInterval = 100 * time.Millisecond

// run is the main entry point after CLI parsing.
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

	zap.L().Info("realmesh-node started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rd, cleanup, err := buildRadio(ctx, opts, cfg)
	if err != nil {
		zap.L().Error("failed to build radio", zap.Error(err))
		return 1
	}
	defer cleanup()

	kv := memkv.New(memkv.Options{Shards: 32})
	defer kv.Close()
	routeStore := routing.NewStore(kv)

	st := store.NewMemStore()

	// dispatcher is constructed after Begin but needs to observe delivery
	// events raised during Begin's lifetime, so the callback closes over a
	// pointer that's filled in once the dispatcher exists.
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

	zap.L().Info("node is running", zap.String("address", n.Address().Display()))
	mainLoop(ctx, n)
	zap.L().Info("realmesh-node shutting down")
	return 0
}

// mainLoop implements the spec §5 single-threaded cooperative event loop:
// every tick, drain the radio and advance the state machine, then run
// periodic maintenance. The dispatcher runs on this same goroutine when a
// control-plane transport serves it (cmd/realmesh-gateway embeds one this
// way); this binary alone only needs the node ticking.
func mainLoop(ctx context.Context, n *node.Node) {
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
		}
	}
}

// buildRadio selects the radio implementation this process will use. With
// no aether address configured, nodes run against an in-process Aether,
// the common single-binary development and test setup. With -aether set,
// this process instead dials out over the first configured transport to an
// AetherServer, letting it share a simulated medium with node processes
// running elsewhere.
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

// buildCipher constructs the pluggable cipher for ENCRYPTED payloads from
// configuration (spec §9's open question). Alg "none", the default, keeps
// the engine's built-in crypto.NopCipher.
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
