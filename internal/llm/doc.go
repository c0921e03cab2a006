// Package llm defines the decision contract between the chat dispatcher and a
// language model provider: a conversation plus tool descriptors goes in, free
// text and tool-call intents come out.
package llm
