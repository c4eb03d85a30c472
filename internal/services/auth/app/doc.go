// Package server composes and runs the auth process boundary.
//
// It hosts the JSON ceremony endpoints, the token-gated streaming channels,
// and a gRPC health listener, all sharing one SQLite store so identity
// decisions are made from a single source of truth.
package server
