// Package txflow drives the client side of a transaction-class chat reply:
// it claims the message for submission, asks a wallet to sign and broadcast
// the embedded payload, waits for finality and rewrites the message envelope
// with the outcome exactly once.
//
// All state is keyed by message id. A Store serialises transitions for one id
// while different ids proceed independently.
package txflow
