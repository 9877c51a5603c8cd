// Package client is the Go SDK for a vttd backend. It has two halves:
//
//   - Control talks HTTP to the control endpoint. Wrapper proxies use it
//     to probe for the singleton owner, relay named queries, and request
//     shutdown.
//   - HostSession dials the bridge endpoint from the host application,
//     negotiates a hello, and serves dispatched query envelopes against a
//     local handler registry.
package client
