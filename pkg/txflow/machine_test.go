package txflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ChainChat/pkg/envelope"
)

const transferContent = `{"content":{"status":"success","inputdata":{"chain_id":"1","to":"0x00000000000000000000000000000000000000aa","value":"1000"},"token":{"name":"ETH","decimals":18}},"tool":"transfer_token"}`

type fakeWallet struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	hash    string
	err     error
}

func (w *fakeWallet) SignAndSubmit(ctx context.Context, _ envelope.Payload) (string, error) {
	w.calls.Add(1)
	if w.entered != nil {
		w.entered <- struct{}{}
	}
	if w.release != nil {
		select {
		case <-w.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return w.hash, w.err
}

type fakeLedger struct {
	err   error
	block bool
}

func (l *fakeLedger) AwaitFinality(ctx context.Context, _ string) error {
	if l.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return l.err
}

type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (n *recordingNotifier) Notify(_ context.Context, o Outcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, o)
	return nil
}

var testPayload = envelope.Payload{ChainID: "1", To: "0x00000000000000000000000000000000000000aa", Value: "1000"}

func TestSubmitSuccessRewritesEnvelope(t *testing.T) {
	transcript := NewTranscript()
	msg := transcript.Append("m1", envelope.RoleAssistant, transferContent)
	notifier := &recordingNotifier{}
	wallet := &fakeWallet{hash: "0xHASH"}
	machine := NewMachine(wallet, &fakeLedger{}, WithTranscript(transcript), WithNotifier(notifier))

	res := machine.Submit(context.Background(), "m1", testPayload)
	require.Equal(t, Result{Hash: "0xHASH", Success: true, Code: CodeSuccess}, res)

	st := machine.State(context.Background(), "m1")
	require.False(t, st.IsSubmitting)
	require.Equal(t, "0xHASH", st.TransactionHash)
	require.Equal(t, CodeSuccess, st.Code)
	require.Equal(t, PhaseSuccess, st.Phase())

	content := []byte(msg.Content())
	require.Equal(t, StatusForCode(st.Code), envelope.StatusOf(content))
	env, err := envelope.Parse(msg.Content())
	require.NoError(t, err)
	require.Equal(t, "transfer_token", env.Tool)
	require.Contains(t, string(env.Response), `"hash":"0xHASH"`)
	require.True(t, msg.Cell().Final())

	require.Len(t, notifier.outcomes, 1)
	require.Equal(t, CodeSuccess, notifier.outcomes[0].Code)
	require.Equal(t, "m1", notifier.outcomes[0].MessageID)
}

func TestConcurrentSubmitShortCircuits(t *testing.T) {
	wallet := &fakeWallet{hash: "0xHASH", entered: make(chan struct{}, 1), release: make(chan struct{})}
	machine := NewMachine(wallet, &fakeLedger{})

	done := make(chan Result, 1)
	go func() { done <- machine.Submit(context.Background(), "m1", testPayload) }()
	<-wallet.entered

	st := machine.State(context.Background(), "m1")
	require.True(t, st.IsSubmitting)
	require.Equal(t, PhaseSubmitting, st.Phase())

	second := machine.Submit(context.Background(), "m1", testPayload)
	require.False(t, second.Success)
	require.Equal(t, CodeAlreadyInProgress, second.Code)

	close(wallet.release)
	first := <-done
	require.Equal(t, CodeSuccess, first.Code)
	require.EqualValues(t, 1, wallet.calls.Load())
}

func TestSubmitAfterTerminalDoesNotSignAgain(t *testing.T) {
	wallet := &fakeWallet{hash: "0xHASH"}
	machine := NewMachine(wallet, &fakeLedger{})

	first := machine.Submit(context.Background(), "m1", testPayload)
	again := machine.Submit(context.Background(), "m1", testPayload)

	require.Equal(t, first, again)
	require.EqualValues(t, 1, wallet.calls.Load())
}

func TestSubmitUserRejection(t *testing.T) {
	cases := []struct {
		name   string
		wallet *fakeWallet
	}{
		{"explicit rejection", &fakeWallet{err: ErrUserRejected}},
		{"wrapped rejection", &fakeWallet{err: errors.Join(errors.New("prompt closed"), ErrUserRejected)}},
		{"no hash", &fakeWallet{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			transcript := NewTranscript()
			msg := transcript.Append("m1", envelope.RoleAssistant, transferContent)
			machine := NewMachine(tc.wallet, &fakeLedger{}, WithTranscript(transcript))

			res := machine.Submit(context.Background(), "m1", testPayload)
			require.False(t, res.Success)
			require.Equal(t, CodeUserRejected, res.Code)
			require.NotEmpty(t, res.Error)

			st := machine.State(context.Background(), "m1")
			require.False(t, st.IsSubmitting)
			require.Equal(t, PhaseRejected, st.Phase())
			require.Equal(t, envelope.StatusError, envelope.StatusOf([]byte(msg.Content())))
		})
	}
}

func TestSubmitSigningFailure(t *testing.T) {
	machine := NewMachine(&fakeWallet{err: errors.New("insufficient funds")}, &fakeLedger{})
	res := machine.Submit(context.Background(), "m1", testPayload)
	require.Equal(t, CodeFailed, res.Code)
	require.Equal(t, "insufficient funds", res.Error)
	require.Empty(t, res.Hash)
}

func TestSubmitFinalityFailureKeepsHash(t *testing.T) {
	transcript := NewTranscript()
	msg := transcript.Append("m1", envelope.RoleAssistant, transferContent)
	machine := NewMachine(&fakeWallet{hash: "0xHASH"}, &fakeLedger{err: errors.New("transaction reverted")}, WithTranscript(transcript))

	res := machine.Submit(context.Background(), "m1", testPayload)
	require.Equal(t, CodeFailed, res.Code)
	require.Equal(t, "0xHASH", res.Hash)
	require.Equal(t, "transaction reverted", res.Error)

	env, err := envelope.Parse(msg.Content())
	require.NoError(t, err)
	require.Contains(t, string(env.Response), `"error":"transaction reverted"`)
	require.NotContains(t, string(env.Response), `"hash"`)
}

func TestSubmitFinalityTimeout(t *testing.T) {
	machine := NewMachine(&fakeWallet{hash: "0xHASH"}, &fakeLedger{block: true}, WithFinalityTimeout(20*time.Millisecond))

	res := machine.Submit(context.Background(), "m1", testPayload)
	require.Equal(t, CodeFailed, res.Code)
	require.Contains(t, res.Error, "timed out")
	require.False(t, machine.State(context.Background(), "m1").IsSubmitting)
}

func TestDifferentMessagesProceedConcurrently(t *testing.T) {
	wallet := &fakeWallet{hash: "0xHASH", entered: make(chan struct{}, 2), release: make(chan struct{})}
	machine := NewMachine(wallet, &fakeLedger{})

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = machine.Submit(context.Background(), id, testPayload)
		}(i, id)
	}
	<-wallet.entered
	<-wallet.entered
	close(wallet.release)
	wg.Wait()

	for _, r := range results {
		require.Equal(t, CodeSuccess, r.Code)
	}
}

func TestObserveSubmitsOnce(t *testing.T) {
	transcript := NewTranscript()
	msg := transcript.Append("m1", envelope.RoleAssistant, transferContent)
	wallet := &fakeWallet{hash: "0xHASH"}
	machine := NewMachine(wallet, &fakeLedger{}, WithTranscript(transcript))

	res, ran := machine.Observe(context.Background(), msg)
	require.True(t, ran)
	require.Equal(t, CodeSuccess, res.Code)

	res, ran = machine.Observe(context.Background(), msg)
	require.False(t, ran)
	require.Equal(t, CodeSuccess, res.Code)
	require.EqualValues(t, 1, wallet.calls.Load())
	require.Equal(t, envelope.StatusSuccess, envelope.StatusOf([]byte(msg.Content())))
}

func TestObserveMarksProcessingBeforeSubmission(t *testing.T) {
	transcript := NewTranscript()
	msg := transcript.Append("m1", envelope.RoleAssistant, transferContent)
	wallet := &fakeWallet{hash: "0xHASH", entered: make(chan struct{}, 1), release: make(chan struct{})}
	machine := NewMachine(wallet, &fakeLedger{}, WithTranscript(transcript))

	done := make(chan struct{})
	go func() {
		defer close(done)
		machine.Observe(context.Background(), msg)
	}()
	<-wallet.entered
	require.Equal(t, envelope.StatusProcessing, envelope.StatusOf([]byte(msg.Content())))
	close(wallet.release)
	<-done
	require.Equal(t, envelope.StatusSuccess, envelope.StatusOf([]byte(msg.Content())))
}

func TestObserveIgnoresPlainAndUserMessages(t *testing.T) {
	transcript := NewTranscript()
	wallet := &fakeWallet{hash: "0xHASH"}
	machine := NewMachine(wallet, &fakeLedger{}, WithTranscript(transcript))

	user := transcript.Append("u1", "user", transferContent)
	plain := transcript.Append("a1", envelope.RoleAssistant, `{"content":"hi","tool":null}`)
	text := transcript.Append("a2", envelope.RoleAssistant, `not json at all`)

	for _, msg := range []*Message{user, plain, text} {
		_, ran := machine.Observe(context.Background(), msg)
		require.False(t, ran)
	}
	require.Zero(t, wallet.calls.Load())
}

func TestObserveInvalidPayloadFailsWithoutWallet(t *testing.T) {
	transcript := NewTranscript()
	msg := transcript.Append("m1", envelope.RoleAssistant, `{"content":{"inputdata":{"value":"1"}},"tool":"transfer_token"}`)
	wallet := &fakeWallet{hash: "0xHASH"}
	machine := NewMachine(wallet, &fakeLedger{}, WithTranscript(transcript))

	res, ran := machine.Observe(context.Background(), msg)
	require.True(t, ran)
	require.Equal(t, CodeFailed, res.Code)
	require.Zero(t, wallet.calls.Load())
	require.Equal(t, envelope.StatusError, envelope.StatusOf([]byte(msg.Content())))
}

func TestCellTerminalWriteOnce(t *testing.T) {
	cell := &Cell{content: "a"}
	require.NoError(t, cell.Rewrite(func(string) (string, error) { return "b", nil }, false))
	require.NoError(t, cell.Rewrite(func(string) (string, error) { return "c", nil }, true))
	require.ErrorIs(t, cell.Rewrite(func(string) (string, error) { return "d", nil }, true), ErrFinalised)
	require.Equal(t, "c", cell.Load())
}

func TestTranscriptAppendIsIdempotentPerID(t *testing.T) {
	transcript := NewTranscript()
	first := transcript.Append("m1", "user", "hello")
	second := transcript.Append("m1", "user", "changed")
	require.Same(t, first, second)
	require.Len(t, transcript.Messages(), 1)
	require.Equal(t, "hello", transcript.Messages()[0].Content)

	generated := transcript.Append("", "user", "x")
	require.NotEmpty(t, generated.ID)
}

func TestObserveWithoutTranscriptRewritesGivenMessage(t *testing.T) {
	transcript := NewTranscript()
	msg := transcript.Append("m1", envelope.RoleAssistant, transferContent)
	machine := NewMachine(&fakeWallet{hash: "0xHASH"}, &fakeLedger{})

	res, ran := machine.Observe(context.Background(), msg)
	require.True(t, ran)
	require.Equal(t, CodeSuccess, res.Code)
	require.True(t, msg.Cell().Final())
	require.Equal(t, envelope.StatusSuccess, envelope.StatusOf([]byte(msg.Content())))
	require.Contains(t, msg.Content(), "0xHASH")
}

func TestObserveWithoutTranscriptRewritesRejection(t *testing.T) {
	transcript := NewTranscript()
	msg := transcript.Append("m1", envelope.RoleAssistant, transferContent)
	machine := NewMachine(&fakeWallet{err: ErrUserRejected}, &fakeLedger{})

	res, ran := machine.Observe(context.Background(), msg)
	require.True(t, ran)
	require.Equal(t, CodeUserRejected, res.Code)
	require.Equal(t, envelope.StatusError, envelope.StatusOf([]byte(msg.Content())))
}

func TestPhaseOfCodes(t *testing.T) {
	cases := map[Code]Phase{
		CodePending:           PhasePending,
		CodeAlreadyInProgress: PhaseSubmitting,
		CodeSuccess:           PhaseSuccess,
		CodeFailed:            PhaseFailed,
		CodeUserRejected:      PhaseRejected,
	}
	for code, want := range cases {
		require.Equal(t, want, State{Code: code}.Phase(), string(code))
	}
	require.Equal(t, PhaseSubmitting, State{Code: CodePending, IsSubmitting: true}.Phase())
}
