package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/suPer8Hu/quote-assistant/internal/assistant"
	"github.com/suPer8Hu/quote-assistant/internal/clock"
	"github.com/suPer8Hu/quote-assistant/internal/commit"
	"github.com/suPer8Hu/quote-assistant/internal/failure"
	"github.com/suPer8Hu/quote-assistant/internal/guard"
	"github.com/suPer8Hu/quote-assistant/internal/quote"
	"github.com/suPer8Hu/quote-assistant/internal/transcript"
)

type turnResult struct {
	reply *assistant.TurnReply
	err   error
}

type fakeTurns struct {
	mu      sync.Mutex
	queue   []turnResult
	reqs    []assistant.TurnRequest
	entered chan struct{}
	release chan struct{}
}

func (f *fakeTurns) push(r *assistant.TurnReply, err error) {
	f.mu.Lock()
	f.queue = append(f.queue, turnResult{reply: r, err: err})
	f.mu.Unlock()
}

func (f *fakeTurns) Turn(ctx context.Context, in assistant.TurnRequest) (*assistant.TurnReply, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, in)
	r := turnResult{reply: &assistant.TurnReply{Text: "Got it."}}
	if len(f.queue) > 0 {
		r = f.queue[0]
		f.queue = f.queue[1:]
	}
	entered, release := f.entered, f.release
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return r.reply, r.err
}

type fakeCommits struct {
	mu    sync.Mutex
	calls []commit.Request
	errs  []error
}

func (f *fakeCommits) failNext(err error) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

func (f *fakeCommits) Commit(ctx context.Context, in commit.Request) (*commit.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &commit.Result{QuoteID: fmt.Sprintf("q-%d", len(f.calls))}, nil
}

func (f *fakeCommits) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestController(t *testing.T, turns *fakeTurns, commits *fakeCommits, hooks Hooks) (*Controller, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Unix(1700000000, 0))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New("s-1", Company{ID: "co-1", Name: "Acme Painting"}, turns, commits, clk, Options{}, hooks, log)
	t.Cleanup(c.Close)
	c.Start()
	return c, clk
}

func priced(total float64) *quote.Draft {
	return &quote.Draft{ProjectType: "interior", Pricing: &quote.Pricing{Total: &total}}
}

func closing(text string) *assistant.TurnReply {
	return &assistant.TurnReply{Text: text, Draft: priced(4200), IsComplete: true}
}

func TestRoundTripsAlternate(t *testing.T) {
	turns := &fakeTurns{}
	c, _ := newTestController(t, turns, &fakeCommits{}, Hooks{})

	const n = 5
	for i := 0; i < n; i++ {
		if _, err := c.SendMessage(context.Background(), fmt.Sprintf("message %d", i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	entries := c.Snapshot().Transcript
	if len(entries) != 2*n+1 {
		t.Fatalf("expected %d entries, got %d", 2*n+1, len(entries))
	}
	for i, e := range entries {
		want := transcript.RoleAssistant
		if i%2 == 1 {
			want = transcript.RoleUser
		}
		if e.Role != want {
			t.Fatalf("entry %d: role %s want %s", i, e.Role, want)
		}
	}
	// history sent with each turn excludes the message being sent
	if got := len(turns.reqs[2].History); got != 5 {
		t.Fatalf("expected 5 history entries on the third turn, got %d", got)
	}
}

func TestFirstTurnScenario(t *testing.T) {
	turns := &fakeTurns{}
	turns.push(&assistant.TurnReply{
		Text:             "What's the square footage?",
		SuggestedReplies: []string{"1500 sq ft", "2000 sq ft"},
	}, nil)
	c, _ := newTestController(t, turns, &fakeCommits{}, Hooks{})

	snap, err := c.SendMessage(context.Background(), "I need a quote for a 3 bedroom interior")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(snap.Transcript) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap.Transcript))
	}
	if !reflect.DeepEqual(snap.Suggestions, []string{"1500 sq ft", "2000 sq ft"}) {
		t.Fatalf("unexpected suggestions %v", snap.Suggestions)
	}
	if snap.Loading || snap.State != StateAwaitingInput || snap.DraftReady {
		t.Fatalf("unexpected state %+v", snap)
	}
	if turns.reqs[0].SessionID != "" || turns.reqs[0].CompanyID != "co-1" {
		t.Fatalf("unexpected first request %+v", turns.reqs[0])
	}
}

func TestGreetingDependsOnFirstQuote(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	first := New("a", Company{ID: "co", FirstQuote: true}, &fakeTurns{}, &fakeCommits{}, clk, Options{}, Hooks{}, nil)
	other := New("b", Company{ID: "co"}, &fakeTurns{}, &fakeCommits{}, clk, Options{}, Hooks{}, nil)
	defer first.Close()
	defer other.Close()

	if first.Snapshot().State != StateGreeting {
		t.Fatalf("expected greeting state before start")
	}
	a, b := first.Start(), other.Start()
	if len(a.Transcript) != 1 || a.Transcript[0].Content == b.Transcript[0].Content {
		t.Fatalf("first-quote greeting should differ")
	}
	if again := first.Start(); len(again.Transcript) != 1 {
		t.Fatalf("Start must greet only once")
	}
}

func TestSameReplyProcessedTwiceSchedulesOneCommit(t *testing.T) {
	turns := &fakeTurns{}
	reply := closing("All set, have a great week!")
	turns.push(reply, nil)
	commits := &fakeCommits{}
	c, clk := newTestController(t, turns, commits, Hooks{})

	if _, err := c.SendMessage(context.Background(), "looks good"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !c.Snapshot().CommitPending {
		t.Fatalf("expected a scheduled commit")
	}
	// the same reply delivered again
	c.applyReply(1, reply)
	if got := len(c.Snapshot().Transcript); got != 3 {
		t.Fatalf("duplicate reply should not be appended, got %d entries", got)
	}

	clk.Advance(2 * time.Second)
	if commits.count() != 1 {
		t.Fatalf("expected one commit, got %d", commits.count())
	}

	// a later turn carrying the identical reply and draft does not re-arm
	clk.Advance(time.Minute)
	turns.push(reply, nil)
	if _, err := c.SendMessage(context.Background(), "thanks"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	clk.Advance(time.Minute)
	if commits.count() != 1 {
		t.Fatalf("expected still one commit, got %d", commits.count())
	}
}

func TestClosingPhrasesWithinCooldownCommitOnce(t *testing.T) {
	turns := &fakeTurns{}
	turns.push(closing("Good luck with the project!"), nil)
	turns.push(&assistant.TurnReply{Text: "Good luck again!", Draft: priced(4300), IsComplete: true}, nil)
	commits := &fakeCommits{}
	c, clk := newTestController(t, turns, commits, Hooks{})

	if _, err := c.SendMessage(context.Background(), "finalize it"); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	clk.Advance(2 * time.Second)
	if commits.count() != 1 {
		t.Fatalf("expected first commit after the delay, got %d", commits.count())
	}

	clk.Advance(time.Second)
	snap, err := c.SendMessage(context.Background(), "one more tweak")
	if err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if snap.CommitPending {
		t.Fatalf("second trigger inside the cooldown must not arm")
	}
	clk.Advance(10 * time.Second)
	if commits.count() != 1 {
		t.Fatalf("expected exactly one commit, got %d", commits.count())
	}
}

func TestAutoCommitSuccessNavigates(t *testing.T) {
	turns := &fakeTurns{}
	ready := true
	turns.push(&assistant.TurnReply{Text: "Here is your quote.", Draft: priced(4200), IsComplete: true, ReadyToCommit: &ready}, nil)
	commits := &fakeCommits{}

	var mu sync.Mutex
	var finished []CommitEvent
	var audits int
	c, clk := newTestController(t, turns, commits, Hooks{
		OnCommitFinish: func(ev CommitEvent) { mu.Lock(); finished = append(finished, ev); mu.Unlock() },
		OnAutoTrigger:  func(AutoTrigger) { mu.Lock(); audits++; mu.Unlock() },
	})

	if _, err := c.SendMessage(context.Background(), "that's everything"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if commits.count() != 0 {
		t.Fatalf("commit must wait for the delay")
	}
	clk.Advance(2 * time.Second)

	snap := c.Snapshot()
	if snap.QuoteID != "q-1" || snap.NavigateTo != "/quotes/q-1" || snap.Draft != nil {
		t.Fatalf("unexpected snapshot after commit %+v", snap)
	}
	if snap.Notice == nil || snap.Notice.Level != NoticeSuccess {
		t.Fatalf("expected success notice, got %+v", snap.Notice)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(finished) != 1 || finished[0].Trigger != guard.Auto || finished[0].Entries != 3 {
		t.Fatalf("unexpected finish events %+v", finished)
	}
	if audits != 0 {
		t.Fatalf("structured flag should not be audited")
	}
	if got := len(commits.calls[0].History); got != 3 {
		t.Fatalf("expected the whole short transcript in the commit, got %d", got)
	}
}

func TestPhraseTriggerIsAudited(t *testing.T) {
	turns := &fakeTurns{}
	turns.push(closing("Your quote is finalized."), nil)
	var got []AutoTrigger
	c, _ := newTestController(t, turns, &fakeCommits{}, Hooks{
		OnAutoTrigger: func(ev AutoTrigger) { got = append(got, ev) },
	})
	if _, err := c.SendMessage(context.Background(), "ok"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(got) != 1 || got[0].Phrase != "finalized" || got[0].SessionID != "s-1" {
		t.Fatalf("unexpected audit events %+v", got)
	}
}

func TestCommitTimeoutKeepsDraft(t *testing.T) {
	turns := &fakeTurns{}
	turns.push(&assistant.TurnReply{Text: "Want to save this?", Draft: priced(3900), UserWantsReview: true}, nil)
	commits := &fakeCommits{}
	commits.failNext(failure.New(failure.OpCommit, failure.Timeout, context.DeadlineExceeded))
	c, _ := newTestController(t, turns, commits, Hooks{})

	if _, err := c.SendMessage(context.Background(), "price it"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	before := c.Snapshot()
	if !reflect.DeepEqual(before.Affordances, guard.ManualAffordances) {
		t.Fatalf("expected manual affordances, got %v", before.Affordances)
	}

	snap, err := c.CreateQuote(context.Background())
	if !failure.Is(err, failure.Timeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if snap.Draft != before.Draft || !snap.DraftReady || snap.State != StateAwaitingInput {
		t.Fatalf("draft should survive a timeout: %+v", snap)
	}
	if c.GuardState() != guard.Idle {
		t.Fatalf("guard should be idle, got %s", c.GuardState())
	}
	if snap.Notice == nil || !snap.Notice.Retryable {
		t.Fatalf("expected a retryable notice, got %+v", snap.Notice)
	}

	snap, err = c.CreateQuote(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if snap.QuoteID != "q-2" || snap.Draft != nil {
		t.Fatalf("unexpected snapshot after retry %+v", snap)
	}
	if commits.calls[0].IdempotencyKey == "" || commits.calls[0].IdempotencyKey != commits.calls[1].IdempotencyKey {
		t.Fatalf("a retry of the same draft should reuse its idempotency key")
	}
}

func TestCommitUpgradeRequired(t *testing.T) {
	turns := &fakeTurns{}
	turns.push(&assistant.TurnReply{Text: "Ready when you are.", Draft: priced(3900), HasMinimumInfo: true}, nil)
	commits := &fakeCommits{}
	commits.failNext(&failure.Error{Op: failure.OpCommit, Kind: failure.QuotaExceeded, Status: 403})
	c, clk := newTestController(t, turns, commits, Hooks{})

	if _, err := c.SendMessage(context.Background(), "save it"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	draft := c.Snapshot().Draft

	snap, err := c.CreateQuote(context.Background())
	if !failure.Is(err, failure.QuotaExceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
	if !snap.UpgradeRequired || snap.Draft != draft {
		t.Fatalf("expected upgrade flag and unchanged draft: %+v", snap)
	}
	clk.Advance(time.Minute)
	if commits.count() != 1 {
		t.Fatalf("no retry expected, got %d calls", commits.count())
	}
}

func TestUnpricedDraftNeverReachesNetwork(t *testing.T) {
	turns := &fakeTurns{}
	turns.push(&assistant.TurnReply{Text: "Have a great day!", Draft: &quote.Draft{ProjectType: "exterior"}, IsComplete: true}, nil)
	commits := &fakeCommits{}
	c, clk := newTestController(t, turns, commits, Hooks{})

	snap, err := c.SendMessage(context.Background(), "done")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if snap.CommitPending {
		t.Fatalf("unpriced draft must not arm a commit")
	}
	clk.Advance(10 * time.Second)

	if _, err := c.CreateQuote(context.Background()); !failure.Is(err, failure.ValidationFailure) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if commits.count() != 0 {
		t.Fatalf("expected no commit calls, got %d", commits.count())
	}
}

func TestChatQuotaAppendsNotice(t *testing.T) {
	turns := &fakeTurns{}
	turns.push(nil, &failure.Error{Op: failure.OpChat, Kind: failure.QuotaExceeded, Status: 402})
	c, _ := newTestController(t, turns, &fakeCommits{}, Hooks{})

	snap, err := c.SendMessage(context.Background(), "new quote please")
	if !failure.Is(err, failure.QuotaExceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
	if !snap.UpgradeRequired || snap.Loading {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	last := snap.Transcript[len(snap.Transcript)-1]
	if len(snap.Transcript) != 3 || last.Role != transcript.RoleAssistant {
		t.Fatalf("expected an assistant notice in the transcript, got %+v", snap.Transcript)
	}
}

func TestChatFailureAppendsNothing(t *testing.T) {
	turns := &fakeTurns{}
	turns.push(nil, failure.New(failure.OpChat, failure.NetworkFailure, errors.New("refused")))
	c, _ := newTestController(t, turns, &fakeCommits{}, Hooks{})

	snap, err := c.SendMessage(context.Background(), "hello")
	if !failure.Is(err, failure.NetworkFailure) {
		t.Fatalf("expected network failure, got %v", err)
	}
	if len(snap.Transcript) != 2 || snap.Notice == nil || snap.Loading {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestSecondSendWhileLoadingIsBusy(t *testing.T) {
	turns := &fakeTurns{entered: make(chan struct{}), release: make(chan struct{})}
	c, _ := newTestController(t, turns, &fakeCommits{}, Hooks{})

	done := make(chan error, 1)
	go func() {
		_, err := c.SendMessage(context.Background(), "first")
		done <- err
	}()
	<-turns.entered

	snap, err := c.SendMessage(context.Background(), "second")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if !snap.Loading || snap.State != StateAwaitingReply {
		t.Fatalf("expected awaiting reply, got %+v", snap)
	}
	close(turns.release)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
	if got := len(c.Snapshot().Transcript); got != 3 {
		t.Fatalf("expected 3 entries, got %d", got)
	}
}

func TestManualCommitCancelsPendingAuto(t *testing.T) {
	turns := &fakeTurns{}
	turns.push(closing("Have a great day!"), nil)
	commits := &fakeCommits{}
	var committed []string
	c, clk := newTestController(t, turns, commits, Hooks{
		OnCommitted: func(id string) { committed = append(committed, id) },
	})

	if _, err := c.SendMessage(context.Background(), "ok"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	snap, err := c.CreateQuote(context.Background())
	if err != nil {
		t.Fatalf("CreateQuote: %v", err)
	}
	if snap.NavigateTo != "" || len(committed) != 1 || committed[0] != "q-1" {
		t.Fatalf("embedded callback should replace navigation: %+v %v", snap, committed)
	}
	clk.Advance(10 * time.Second)
	if commits.count() != 1 {
		t.Fatalf("pending auto commit should have been cancelled, got %d calls", commits.count())
	}
}

func TestCloseStopsPendingCommit(t *testing.T) {
	turns := &fakeTurns{}
	turns.push(closing("Good luck!"), nil)
	commits := &fakeCommits{}
	c, clk := newTestController(t, turns, commits, Hooks{})

	if _, err := c.SendMessage(context.Background(), "ok"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	c.Close()
	clk.Advance(10 * time.Second)
	if commits.count() != 0 {
		t.Fatalf("closed session must not commit, got %d", commits.count())
	}
	if _, err := c.SendMessage(context.Background(), "again"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRestoreReplaysTranscript(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	turns := &fakeTurns{}
	c := New("s-9", Company{ID: "co"}, turns, &fakeCommits{}, clk, Options{}, Hooks{}, nil)
	defer c.Close()

	err := c.Restore([]transcript.Entry{
		{Role: transcript.RoleAssistant, Content: "Hi!"},
		{Role: transcript.RoleUser, Content: "Quote a fence"},
		{Role: transcript.RoleAssistant, Content: "How long is it?"},
	}, "remote-1")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := c.SendMessage(context.Background(), "40 feet"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := len(c.Snapshot().Transcript); got != 5 {
		t.Fatalf("expected 5 entries, got %d", got)
	}
	if turns.reqs[0].SessionID != "remote-1" {
		t.Fatalf("expected remote session id to carry over, got %q", turns.reqs[0].SessionID)
	}
	if err := c.Restore(nil, ""); err == nil {
		t.Fatalf("restore after start should fail")
	}
}

func TestEmptyMessageSetsNotice(t *testing.T) {
	turns := &fakeTurns{}
	var changes int
	c, _ := newTestController(t, turns, &fakeCommits{}, Hooks{OnChange: func(Snapshot) { changes++ }})
	changes = 0

	snap, err := c.SendMessage(context.Background(), "   ")
	if !failure.Is(err, failure.ValidationFailure) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if snap.Notice == nil || snap.Notice.Kind != failure.ValidationFailure || snap.Notice.Message == "" {
		t.Fatalf("expected a validation notice, got %+v", snap.Notice)
	}
	if len(snap.Transcript) != 1 || len(turns.reqs) != 0 {
		t.Fatalf("an empty message must not reach the transcript or the network")
	}
	if changes != 1 {
		t.Fatalf("expected the notice to be published once, got %d", changes)
	}
}

func TestFailedAutoCommitCanRearmSameReply(t *testing.T) {
	turns := &fakeTurns{}
	turns.push(closing("Your quote is finalized."), nil)
	commits := &fakeCommits{}
	commits.failNext(failure.New(failure.OpCommit, failure.Timeout, context.DeadlineExceeded))
	c, clk := newTestController(t, turns, commits, Hooks{})

	if _, err := c.SendMessage(context.Background(), "looks good"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	clk.Advance(2 * time.Second)
	if commits.count() != 1 || c.Snapshot().QuoteID != "" {
		t.Fatalf("expected one failed auto commit")
	}

	clk.Advance(5 * time.Second)
	turns.push(closing("Your quote is finalized."), nil)
	snap, err := c.SendMessage(context.Background(), "try again please")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !snap.CommitPending {
		t.Fatalf("the same closing reply should arm again after a failed commit")
	}
	clk.Advance(2 * time.Second)
	if commits.count() != 2 || c.Snapshot().QuoteID != "q-2" {
		t.Fatalf("expected the retried auto commit to succeed, calls=%d", commits.count())
	}
}
