package main

import (
	"fmt"

	"realmesh/pkg/transport"
	"realmesh/pkg/transport/mem"
	"realmesh/pkg/transport/quic"
	"realmesh/pkg/transport/tcp"
	"realmesh/pkg/transport/udp"
)

func selectTransport(kind string) (transport.Transport, error) {
	switch kind {
	case "", "tcp":
		return tcp.New(), nil
	case "udp":
		return udp.New(), nil
	case "quic":
		return quic.New(), nil
	case "mem":
		return mem.New(), nil
	default:
		return nil, fmt.Errorf("unsupported transport kind %q", kind)
	}
}
