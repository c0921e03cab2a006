package txflow

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrFinalised is returned when a cell already holds its terminal content.
var ErrFinalised = errors.New("message content already finalised")

// Cell holds one message's content. It may be overwritten freely until a
// terminal write, after which it is immutable.
type Cell struct {
	mu       sync.RWMutex
	content  string
	terminal bool
}

// Load returns the current content.
func (c *Cell) Load() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.content
}

// Final reports whether the terminal write happened.
func (c *Cell) Final() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.terminal
}

// Rewrite replaces the content with fn(current). A terminal rewrite can
// happen only once.
func (c *Cell) Rewrite(fn func(current string) (string, error), terminal bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminal {
		return ErrFinalised
	}
	next, err := fn(c.content)
	if err != nil {
		return err
	}
	c.content = next
	c.terminal = terminal
	return nil
}

// Message is one entry of a Transcript.
type Message struct {
	ID   string
	Role string
	cell *Cell
}

// Content returns the message content.
func (m *Message) Content() string { return m.cell.Load() }

// Cell exposes the content cell.
func (m *Message) Cell() *Cell { return m.cell }

// Snapshot is an immutable copy of a Message.
type Snapshot struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Transcript is an ordered conversation, safe for concurrent use.
type Transcript struct {
	mu       sync.RWMutex
	order    []*Message
	messages map[string]*Message
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{messages: make(map[string]*Message)}
}

// Append adds a message. An empty id is replaced by a random one. Appending an
// id that already exists returns the existing message unchanged.
func (t *Transcript) Append(id, role, content string) *Message {
	if id == "" {
		id = uuid.NewString()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.messages[id]; ok {
		return existing
	}
	msg := &Message{ID: id, Role: role, cell: &Cell{content: content}}
	t.order = append(t.order, msg)
	t.messages[id] = msg
	return msg
}

// Get returns the message with id.
func (t *Transcript) Get(id string) (*Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	msg, ok := t.messages[id]
	return msg, ok
}

// Messages returns snapshots of all messages in order.
func (t *Transcript) Messages() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Snapshot, 0, len(t.order))
	for _, msg := range t.order {
		out = append(out, Snapshot{ID: msg.ID, Role: msg.Role, Content: msg.Content()})
	}
	return out
}
