package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type RunFlags struct {
	Hidden    bool // no console: log to the rotating file only
	Daemonize bool
	InPlace   bool // skip elevation and relocation
}

type ServiceFlags struct {
	Timeout time.Duration
	// Configure only
	Binary string
	Env    []string // KEY=VALUE
	// Remote manager connection
	APIUrl     string
	APITimeout time.Duration
}

type LockFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type UpdateFlags struct {
	Version string
	Force   bool
	Limit   int
}

type AgentFlags struct {
	Version string
}

type HandoffFlags struct {
	Request string
}

type HistoryFlags struct {
	Limit      int
	APIUrl     string
	APITimeout time.Duration
}

type VersionFlags struct {
	Short bool
}
