// Package envelope defines the response envelope exchanged between the chat
// server and its clients, together with helpers that detect an embedded
// unsigned transaction and rewrite its status after submission.
package envelope
