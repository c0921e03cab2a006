// Package agent turns one chat turn into one response envelope. It asks the
// language model for a decision, runs at most one tool, and normalises the
// result: transaction payloads and raw-class tools pass through verbatim,
// humanize-class tools get a second summarising model pass, and tool failures
// become structured error envelopes. Every turn is recorded under the id the
// client later uses as its message id.
package agent
