// Package vttd implements the backend coordinator of a virtual-tabletop
// bridge: the single per-machine process that lets AI assistants drive a
// long-lived tabletop engine through named remote procedure calls.
//
// # Topology
//
// Three kinds of processes cooperate:
//
//   - The host application (the tabletop engine process) dials the bridge
//     endpoint, presents a hello with its capability set, and serves named
//     query envelopes against its local handler registry.
//   - Wrapper proxies (one per AI client, see the mcp package) speak MCP
//     over stdio and forward tool calls to the control endpoint.
//   - The backend coordinator (this package) sits between them: it owns
//     both endpoints and relays each control query over the bridge session
//     as a correlated envelope.
//
// Exactly one backend runs per machine. Election goes through a lock
// artifact (internal/lockfile): the first process to create it wins, and
// every loser receives the winner's endpoints so it can connect as a
// client instead. Stale artifacts left by dead owners are reclaimed
// automatically.
//
// Both endpoints bind loopback only and are wrapped by a connection guard
// (internal/connguard) that refuses non-loopback peers. This is a
// local-machine integration surface, not a network service.
//
// # Sessions and queries
//
// At most one bridge session is authoritative. A newer connection from
// the host application supersedes the old one; queries in flight against
// the superseded session fail immediately with the session_superseded
// error code instead of waiting out their timeouts. Every relayed query
// carries a fresh time-ordered correlation id and resolves exactly once:
// by response, by timeout, or by session loss.
//
// # Usage
//
//	cfg := vttd.Config{}
//	srv, stop, err := vttd.StartServer(ctx, cfg)
//	if errors.Is(err, lockfile.ErrAlreadyOwned) {
//	    owner := srv.ExistingOwner()
//	    // connect to owner.ControlAddr as a client instead
//	}
//	defer stop(context.Background())
//
// The client package holds both the control-endpoint client and the host
// application's bridge session; internal/jobs supplies the async job
// manager the host side registers as job.submit, job.status and
// job.cancel.
package vttd
