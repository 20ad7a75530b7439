package main

import (
	"fmt"

	"realmesh/pkg/transport"
	"realmesh/pkg/transport/mem"
	"realmesh/pkg/transport/quic"
	"realmesh/pkg/transport/tcp"
	"realmesh/pkg/transport/udp"
)

// selectTransport resolves a configured transport kind to a concrete
// implementation. winpipe is not offered by this binary;
// pkg/transport/winpipe builds only under the Windows build tag.
func selectTransport(kind string) (transport.Transport, error) {
	switch kind {
	case "", "mem":
		return mem.New(), nil
	case "tcp":
		return tcp.New(), nil
	case "udp":
		return udp.New(), nil
	case "quic":
		return quic.New(), nil
	default:
		return nil, fmt.Errorf("unsupported transport kind %q", kind)
	}
}
