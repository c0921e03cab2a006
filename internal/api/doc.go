// Package api exposes the ChainChat HTTP surface: the chat endpoint that
// drives the dispatcher, the outcome reporting endpoint that feeds the
// reconciliation pipeline, read-only dispatch history, Prometheus metrics
// and a liveness probe. Routing and middleware are built on chi.
package api
