package txflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ChainChat/pkg/envelope"
	"ChainChat/pkg/logger"
)

// Wallet signs and broadcasts an unsigned payload, returning its hash.
// Declining to sign is reported as ErrUserRejected.
type Wallet interface {
	SignAndSubmit(ctx context.Context, payload envelope.Payload) (string, error)
}

// Ledger waits until a broadcast transaction is final.
type Ledger interface {
	AwaitFinality(ctx context.Context, hash string) error
}

// Notifier receives every terminal outcome.
type Notifier interface {
	Notify(ctx context.Context, outcome Outcome) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, outcome Outcome) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, outcome Outcome) error { return f(ctx, outcome) }

// Machine runs the per-message transaction state machine.
type Machine struct {
	store           Store
	wallet          Wallet
	ledger          Ledger
	transcript      *Transcript
	notifier        Notifier
	finalityTimeout time.Duration
	now             func() time.Time
	logger          *slog.Logger
}

// Option customises a Machine.
type Option func(*Machine)

// WithStore replaces the default in-memory store.
func WithStore(store Store) Option {
	return func(m *Machine) {
		if store != nil {
			m.store = store
		}
	}
}

// WithTranscript binds the transcript whose messages are rewritten on completion.
func WithTranscript(t *Transcript) Option {
	return func(m *Machine) {
		m.transcript = t
	}
}

// WithNotifier installs a receiver for terminal outcomes.
func WithNotifier(n Notifier) Option {
	return func(m *Machine) {
		m.notifier = n
	}
}

// WithFinalityTimeout bounds the wait for finality. Zero waits as long as ctx allows.
func WithFinalityTimeout(d time.Duration) Option {
	return func(m *Machine) {
		m.finalityTimeout = d
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMachine wires a wallet and a ledger into a state machine.
func NewMachine(wallet Wallet, ledger Ledger, opts ...Option) *Machine {
	m := &Machine{
		store:  NewMemoryStore(),
		wallet: wallet,
		ledger: ledger,
		now:    time.Now,
		logger: logger.Named("txflow"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// State returns the recorded state of a message.
func (m *Machine) State(ctx context.Context, id string) State {
	st, err := m.store.Get(ctx, id)
	if err != nil {
		m.logger.Warn("load transaction state failed", "message_id", id, "error", err)
		return DefaultState()
	}
	return st
}

// Observe inspects an assistant message. When it carries inputdata that has
// not been observed before, the message is marked processing and the payload
// is submitted. The second return value reports whether a submission ran.
func (m *Machine) Observe(ctx context.Context, msg *Message) (Result, bool) {
	if msg == nil || msg.Role != envelope.RoleAssistant {
		return Result{}, false
	}
	doc := []byte(msg.Content())
	tx, ok := envelope.Extract(doc)
	if !ok {
		return Result{}, false
	}
	first, err := m.store.MarkObserved(ctx, msg.ID)
	if err != nil {
		m.logger.Warn("mark observed failed", "message_id", msg.ID, "error", err)
		return Result{}, false
	}
	if !first {
		return resultOf(m.State(ctx, msg.ID)), false
	}

	if err := msg.cell.Rewrite(func(current string) (string, error) {
		out, err := envelope.WithStatus([]byte(current), envelope.StatusUpdate{Status: envelope.StatusProcessing})
		return string(out), err
	}, false); err != nil {
		m.logger.Warn("mark processing failed", "message_id", msg.ID, "error", err)
	}

	payload, err := tx.Decode()
	if err != nil {
		return m.failBeforeSubmit(ctx, msg, err), true
	}
	return m.submit(ctx, msg.ID, payload, msg), true
}

// Submit signs, broadcasts and awaits finality of payload on behalf of
// message id. Concurrent calls for the same id return ALREADY_IN_PROGRESS;
// calls after a terminal outcome return that outcome without signing again.
func (m *Machine) Submit(ctx context.Context, id string, payload envelope.Payload) Result {
	return m.submit(ctx, id, payload, nil)
}

// submit runs the transition. owner is the message whose envelope receives the
// terminal status; nil means it is looked up in the bound transcript.
func (m *Machine) submit(ctx context.Context, id string, payload envelope.Payload, owner *Message) Result {
	current, claimed, err := m.store.Begin(ctx, id)
	if err != nil {
		return Result{Code: CodeFailed, Error: err.Error()}
	}
	if !claimed {
		if current.IsSubmitting {
			return Result{Code: CodeAlreadyInProgress, Hash: current.TransactionHash}
		}
		return resultOf(current)
	}

	log := m.logger.With("message_id", id)
	hash, err := m.wallet.SignAndSubmit(ctx, payload)
	if err != nil || hash == "" {
		code := CodeFailed
		msg := "wallet returned no transaction hash"
		if err != nil {
			msg = err.Error()
		}
		if errors.Is(err, ErrUserRejected) || (err == nil && hash == "") {
			code = CodeUserRejected
			if err == nil {
				msg = ErrUserRejected.Error()
			}
			log.Info("transaction rejected by user")
		} else {
			log.Warn("transaction signing failed", "error", err)
		}
		return m.finish(ctx, id, State{Code: code, Error: msg}, owner)
	}

	if err := m.store.RecordHash(ctx, id, hash); err != nil {
		log.Warn("record hash failed", "hash", hash, "error", err)
	}
	log.Info("transaction broadcast", "hash", hash)

	waitCtx := ctx
	if m.finalityTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.finalityTimeout)
		defer cancel()
	}
	if err := m.ledger.AwaitFinality(waitCtx, hash); err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			msg = fmt.Sprintf("timed out after %s waiting for finality", m.finalityTimeout)
		}
		log.Warn("transaction failed", "hash", hash, "error", msg)
		return m.finish(ctx, id, State{Code: CodeFailed, TransactionHash: hash, Error: msg}, owner)
	}
	return m.finish(ctx, id, State{Code: CodeSuccess, TransactionHash: hash}, owner)
}

func (m *Machine) failBeforeSubmit(ctx context.Context, msg *Message, cause error) Result {
	current, claimed, err := m.store.Begin(ctx, msg.ID)
	if err != nil {
		return Result{Code: CodeFailed, Error: err.Error()}
	}
	if !claimed {
		return resultOf(current)
	}
	return m.finish(ctx, msg.ID, State{Code: CodeFailed, Error: cause.Error()}, msg)
}

func (m *Machine) finish(ctx context.Context, id string, st State, owner *Message) Result {
	// The terminal outcome must be recorded even if the caller gave up.
	bg := context.WithoutCancel(ctx)
	if err := m.store.Finish(bg, id, st); err != nil {
		m.logger.Error("record terminal state failed", "message_id", id, "error", err)
	}
	m.rewrite(id, st, owner)

	if m.notifier != nil {
		outcome := Outcome{MessageID: id, Hash: st.TransactionHash, Code: st.Code, Error: st.Error, At: m.now().UTC()}
		if err := m.notifier.Notify(bg, outcome); err != nil {
			m.logger.Warn("outcome notification failed", "message_id", id, "error", err)
		}
	}
	return resultOf(st)
}

func (m *Machine) rewrite(id string, st State, owner *Message) {
	msg := owner
	if msg == nil {
		if m.transcript == nil {
			return
		}
		found, ok := m.transcript.Get(id)
		if !ok {
			return
		}
		msg = found
	}
	update := envelope.StatusUpdate{Status: StatusForCode(st.Code)}
	if st.Code == CodeSuccess {
		update.Hash = st.TransactionHash
	} else {
		update.Error = st.Error
	}
	err := msg.cell.Rewrite(func(current string) (string, error) {
		out, err := envelope.WithStatus([]byte(current), update)
		return string(out), err
	}, true)
	if err != nil {
		m.logger.Warn("rewrite message failed", "message_id", id, "error", err)
	}
}
