// Package web3 houses blockchain connectivity for the chat agent: chain
// definitions loaded from YAML, the read-side client contract used by tools,
// and helpers for building unsigned EVM transactions.
package web3
