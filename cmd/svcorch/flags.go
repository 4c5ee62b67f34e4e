package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string // derived from the config server section when empty
	APITimeout time.Duration
	JSON       bool
}

// ServeFlags Flag structs to decouple cobra from logic for testing.
type ServeFlags struct {
	ConfigPath string
	StartAll   bool
	Daemonize  bool
	PidFile    string
	LogFile    string
	Grace      time.Duration // shutdown budget after a signal
}

type LogsFlags struct {
	Name   string
	Since  uint64
	Follow bool
	Clear  bool
}

type HistoryFlags struct {
	Name  string
	Limit int
}
