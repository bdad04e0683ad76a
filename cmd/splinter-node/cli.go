package main

import "flag"

// Options holds CLI options for the node.
type Options struct {
	ConfigPath string
	Console    bool
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("splinter-node", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.BoolVar(&opts.Console, "console", false, "Read commands from stdin")
	_ = fs.Parse(args)
	return opts
}
