package main

import "time"

// Flag structs to decouple cobra from logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

type StartOrAttachFlags struct {
	PID       int
	Env       string
	StorePath string
}

// RecordFlags address one activation record of an environment.
type RecordFlags struct {
	Env string
	ID  string
	PID int
}

type EnvFlags struct {
	Env string
}

type ListFlags struct {
	Env string
	// Remote inspection API; empty reads the local registry
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
}

type ServeFlags struct {
	Listen        string
	BasePath      string
	MetricsListen string
	// ShutdownTimeout bounds graceful shutdown after a signal
	ShutdownTimeout time.Duration
}
