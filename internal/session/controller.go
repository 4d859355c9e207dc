// Package session runs one quote chat: the turn sequence with the assistant,
// the current draft and the single commit of that draft.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/suPer8Hu/quote-assistant/internal/assistant"
	"github.com/suPer8Hu/quote-assistant/internal/clock"
	"github.com/suPer8Hu/quote-assistant/internal/commit"
	"github.com/suPer8Hu/quote-assistant/internal/failure"
	"github.com/suPer8Hu/quote-assistant/internal/guard"
	"github.com/suPer8Hu/quote-assistant/internal/quote"
	"github.com/suPer8Hu/quote-assistant/internal/transcript"
)

const (
	greetingFirstQuote = "Welcome! Let's put together your first quote. As we go I'll also pick up how you like to price jobs, so later quotes are faster. What kind of project is it, interior or exterior?"
	greeting           = "Hi! Tell me about the painting job you'd like to quote."
	successMessage     = "Quote created successfully!"
)

type Controller struct {
	id      string
	company Company
	turns   TurnClient
	commits CommitClient
	clock   clock.Clock
	opts    Options
	hooks   Hooks
	log     *slog.Logger

	sub *guard.Submission
	tr  *transcript.Transcript

	// bg carries automatic commits; Close cancels it.
	bg     context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	started       bool
	closed        bool
	remoteSession string
	loading       bool
	turnSeq       uint64
	answeredSeq   uint64
	draft         *quote.Draft
	draftKey      string
	suggestions   []string
	affordances   []guard.Affordance
	notice        *Notice
	upgrade       bool
	quoteID       string
	navigateTo    string
	triggeredFP   string
	timer         clock.Timer
	lastActive    time.Time
}

func New(id string, company Company, turns TurnClient, commits CommitClient, clk clock.Clock, opts Options, hooks Hooks, log *slog.Logger) *Controller {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	bg, cancel := context.WithCancel(context.Background())
	return &Controller{
		id:         id,
		company:    company,
		turns:      turns,
		commits:    commits,
		clock:      clk,
		opts:       opts,
		hooks:      hooks,
		log:        log.With("session_id", id, "company_id", company.ID),
		sub:        guard.NewSubmission(clk, opts.Cooldown),
		tr:         transcript.New(),
		bg:         bg,
		cancel:     cancel,
		lastActive: clk.Now(),
	}
}

func (c *Controller) ID() string { return c.id }

func (c *Controller) Company() Company { return c.company }

func (c *Controller) Len() int { return c.tr.Len() }

// GuardState reports the submission guard's state.
func (c *Controller) GuardState() guard.State { return c.sub.State() }

// RemoteSession is the chat endpoint's id for this conversation, empty until
// the first reply.
func (c *Controller) RemoteSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSession
}

func (c *Controller) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// effects collects hook calls made while holding the lock; run them after
// unlocking.
type effects []func()

func (fx *effects) add(f func()) { *fx = append(*fx, f) }

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

// Restore replays a persisted transcript into a controller that has not
// started yet. The greeting is assumed to be part of entries.
func (c *Controller) Restore(entries []transcript.Entry, remoteSession string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("session: restore after start")
	}
	for _, e := range entries {
		c.tr.Append(e)
	}
	c.remoteSession = remoteSession
	c.started = true
	return nil
}

// Start emits the greeting once. Later calls do nothing.
func (c *Controller) Start() Snapshot {
	var fx effects
	c.mu.Lock()
	c.startLocked(&fx)
	snap := c.snapshotLocked()
	c.changedLocked(&fx, snap)
	c.mu.Unlock()
	fx.run()
	return snap
}

func (c *Controller) startLocked(fx *effects) {
	if c.started {
		return
	}
	c.started = true
	text := greeting
	if c.company.FirstQuote {
		text = greetingFirstQuote
	}
	c.appendLocked(fx, transcript.RoleAssistant, text)
}

func (c *Controller) appendLocked(fx *effects, role transcript.Role, text string) {
	e := transcript.Entry{Role: role, Content: text, Timestamp: c.clock.Now()}
	c.tr.Append(e)
	if h := c.hooks.OnEntry; h != nil {
		id := c.id
		fx.add(func() { h(id, e) })
	}
}

func (c *Controller) changedLocked(fx *effects, snap Snapshot) {
	if h := c.hooks.OnChange; h != nil {
		fx.add(func() { h(snap) })
	}
}

// SendMessage appends the user's message, asks the assistant for a reply and
// applies it. Remote failures are returned as *failure.Error after the
// notice has been set.
func (c *Controller) SendMessage(ctx context.Context, text string) (Snapshot, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		err := failure.Validation(failure.OpChat, "Please type a message first.")
		var fx effects
		c.mu.Lock()
		c.log.Debug("empty message rejected")
		c.notice = errorNotice(err)
		snap := c.snapshotLocked()
		c.changedLocked(&fx, snap)
		c.mu.Unlock()
		fx.run()
		return snap, err
	}

	var fx effects
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	if c.loading {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrBusy
	}
	c.startLocked(&fx)

	history := c.tr.Window(c.opts.ContextWindow)
	c.appendLocked(&fx, transcript.RoleUser, text)
	c.loading = true
	c.notice = nil
	c.turnSeq++
	seq := c.turnSeq
	c.lastActive = c.clock.Now()
	req := assistant.TurnRequest{
		Message:    text,
		SessionID:  c.remoteSession,
		History:    history,
		CompanyID:  c.company.ID,
		FirstQuote: c.company.FirstQuote,
	}
	c.changedLocked(&fx, c.snapshotLocked())
	c.mu.Unlock()
	fx.run()

	reply, err := c.turns.Turn(ctx, req)
	if err != nil {
		return c.failTurn(err)
	}
	return c.applyReply(seq, reply), nil
}

func (c *Controller) failTurn(err error) (Snapshot, error) {
	var fx effects
	c.mu.Lock()
	c.loading = false
	c.lastActive = c.clock.Now()
	c.log.Warn("chat turn failed", "kind", failure.KindOf(err), "err", err)

	c.notice = errorNotice(err)
	if failure.Is(err, failure.QuotaExceeded) {
		c.upgrade = true
		c.appendLocked(&fx, transcript.RoleAssistant, failure.Message(err))
	}
	snap := c.snapshotLocked()
	c.changedLocked(&fx, snap)
	c.mu.Unlock()
	fx.run()
	return snap, err
}

// applyReply applies the assistant's reply to turn seq. A reply for a turn
// that was already answered is dropped.
func (c *Controller) applyReply(seq uint64, reply *assistant.TurnReply) Snapshot {
	var fx effects
	c.mu.Lock()
	defer func() {
		c.mu.Unlock()
		fx.run()
	}()

	if seq == c.turnSeq {
		c.loading = false
	}
	if seq <= c.answeredSeq || c.closed {
		c.log.Debug("dropping duplicate reply", "turn", seq)
		return c.snapshotLocked()
	}
	c.answeredSeq = seq
	c.lastActive = c.clock.Now()

	if reply.Truncated {
		c.log.Warn("assistant reply truncated")
	}
	c.appendLocked(&fx, transcript.RoleAssistant, reply.Text)
	if reply.SessionID != "" {
		c.remoteSession = reply.SessionID
	}
	c.suggestions = append([]string(nil), reply.SuggestedReplies...)

	dec := guard.Decide(reply)
	if dec.Prompt != "" {
		c.appendLocked(&fx, transcript.RoleAssistant, dec.Prompt)
	}
	if dec.StoreDraft {
		c.draft = dec.Draft
		c.draftKey = uuid.NewString()
	}
	c.affordances = nil
	if dec.OfferManual {
		c.affordances = append([]guard.Affordance(nil), guard.ManualAffordances...)
	}
	if dec.AutoCommit {
		c.armLocked(&fx, dec, quote.Fingerprint(reply.Text, reply.Draft), reply.Text)
	}

	snap := c.snapshotLocked()
	c.changedLocked(&fx, snap)
	return snap
}

func (c *Controller) armLocked(fx *effects, dec guard.Decision, fp, text string) {
	if fp == c.triggeredFP {
		c.log.Info("auto commit already scheduled for this reply")
		return
	}
	if err := c.sub.Arm(); err != nil {
		c.log.Info("auto commit suppressed", "reason", err)
		return
	}
	c.triggeredFP = fp
	c.timer = c.clock.AfterFunc(c.opts.AutoCommitDelay, c.autoCommit)

	if dec.Fallback {
		c.log.Warn("auto commit armed by closing phrase", "phrase", dec.Trigger)
		if h := c.hooks.OnAutoTrigger; h != nil {
			ev := AutoTrigger{SessionID: c.id, Phrase: dec.Trigger, Reply: text, At: c.clock.Now()}
			fx.add(func() { h(ev) })
		}
	}
}

func (c *Controller) autoCommit() {
	_, err := c.commit(c.bg, guard.Auto)
	if err != nil && !errors.Is(err, ErrBusy) {
		c.log.Warn("auto commit failed", "err", err)
	}
}

// CreateQuote commits the current draft on the user's request. A pending
// automatic commit is cancelled first.
func (c *Controller) CreateQuote(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.sub.Disarm()

	return c.commit(ctx, guard.Manual)
}

func (c *Controller) commit(ctx context.Context, trig guard.Trigger) (Snapshot, error) {
	var fx effects
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	if trig == guard.Auto {
		c.timer = nil
	}
	req := commit.Request{
		CompanyID:      c.company.ID,
		Draft:          c.draft,
		History:        c.tr.Window(c.opts.CommitWindow),
		IdempotencyKey: c.draftKey,
	}
	if err := commit.Validate(req); err != nil {
		if trig == guard.Auto {
			c.sub.Disarm()
		}
		c.log.Info("commit rejected locally", "trigger", trig, "err", err)
		c.notice = errorNotice(err)
		snap := c.snapshotLocked()
		c.changedLocked(&fx, snap)
		c.mu.Unlock()
		fx.run()
		return snap, err
	}
	if err := c.sub.Begin(trig); err != nil {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, fmt.Errorf("%w: %w", ErrBusy, err)
	}

	ev := CommitEvent{
		SessionID: c.id,
		CompanyID: c.company.ID,
		Trigger:   trig,
		Amount:    req.Draft.Amount(),
		Started:   c.clock.Now(),
	}
	c.notice = nil
	c.lastActive = ev.Started
	if h := c.hooks.OnCommitStart; h != nil {
		start := ev
		fx.add(func() { h(start) })
	}
	c.changedLocked(&fx, c.snapshotLocked())
	c.mu.Unlock()
	fx.run()

	res, err := c.send(ctx, req)

	fx = nil
	c.mu.Lock()
	ev.Finished = c.clock.Now()
	c.lastActive = ev.Finished
	var onCommitted func(string)
	if err != nil {
		ev.Err = err
		c.log.Warn("commit failed", "trigger", trig, "kind", failure.KindOf(err), "err", err)
		// the same closing reply may arm again once the cooldown passes
		c.triggeredFP = ""
		c.notice = errorNotice(err)
		if failure.Is(err, failure.QuotaExceeded) {
			c.upgrade = true
		}
	} else {
		ev.QuoteID = res.QuoteID
		c.log.Info("quote created", "trigger", trig, "quote_id", res.QuoteID)
		c.quoteID = res.QuoteID
		c.draft = nil
		c.draftKey = ""
		c.affordances = nil
		c.notice = &Notice{Level: NoticeSuccess, Message: successMessage}
		if c.hooks.OnCommitted != nil {
			onCommitted = c.hooks.OnCommitted
		} else {
			c.navigateTo = fmt.Sprintf(c.opts.QuoteDetailPath, res.QuoteID)
		}
	}
	ev.Entries = c.tr.Len()
	if h := c.hooks.OnCommitFinish; h != nil {
		done := ev
		fx.add(func() { h(done) })
	}
	if onCommitted != nil {
		id := res.QuoteID
		fx.add(func() { onCommitted(id) })
	}
	snap := c.snapshotLocked()
	c.changedLocked(&fx, snap)
	c.mu.Unlock()
	fx.run()
	return snap, err
}

// send runs the commit call and leaves the guard idle whatever happens.
func (c *Controller) send(ctx context.Context, req commit.Request) (*commit.Result, error) {
	defer c.sub.Finish()
	return c.commits.Commit(ctx, req)
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	state := StateAwaitingInput
	sub := c.sub.State()
	switch {
	case !c.started:
		state = StateGreeting
	case sub == guard.InFlight:
		state = StateCommitting
	case c.loading:
		state = StateAwaitingReply
	}
	suggestions := append([]string{}, c.suggestions...)
	affordances := append([]guard.Affordance{}, c.affordances...)
	return Snapshot{
		SessionID:       c.id,
		State:           state,
		DraftReady:      c.draft != nil,
		Transcript:      c.tr.Entries(),
		Loading:         c.loading,
		Draft:           c.draft,
		Suggestions:     suggestions,
		Affordances:     affordances,
		Notice:          c.notice,
		UpgradeRequired: c.upgrade,
		CommitPending:   sub == guard.Armed,
		QuoteID:         c.quoteID,
		NavigateTo:      c.navigateTo,
	}
}

// Close stops a scheduled automatic commit and cancels one in progress.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.sub.Disarm()
	c.cancel()
}
