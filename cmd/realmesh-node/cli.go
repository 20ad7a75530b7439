package main

import "flag"

// Options holds CLI options for the node.
type Options struct {
	ConfigPath string
	AetherAddr string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("realmesh-node", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.AetherAddr, "aether", "", "Address of a remote AetherServer to join (defaults to an in-process aether)")
	_ = fs.Parse(args)
	return opts
}
