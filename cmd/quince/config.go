package main

import "github.com/FreeMind-LJ/quic"

// newConfig returns the shared default Config used by both the client
// and server commands, before per-command flags (certificates, server
// name, retry policy) are applied.
func newConfig() *quic.Config {
	return quic.NewConfig()
}
