package main

import "flag"

// Options holds CLI options for the shell.
type Options struct {
	Addr string
	Kind string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("realmesh-shell", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.Addr, "addr", ":7777", "gateway control-plane address to connect to")
	fs.StringVar(&opts.Kind, "kind", "tcp", "transport kind: tcp|udp|quic|mem")
	_ = fs.Parse(args)
	return opts
}
