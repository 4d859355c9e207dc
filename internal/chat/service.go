package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/quote-assistant/internal/clock"
	"github.com/suPer8Hu/quote-assistant/internal/common"
	"github.com/suPer8Hu/quote-assistant/internal/failure"
	"github.com/suPer8Hu/quote-assistant/internal/guard"
	"github.com/suPer8Hu/quote-assistant/internal/session"
	"github.com/suPer8Hu/quote-assistant/internal/transcript"
)

// hookTimeout bounds the writes made from controller hooks, which run
// without a request context.
const hookTimeout = 5 * time.Second

// Publisher sends analytics events to the queue.
type Publisher interface {
	Publish(ctx context.Context, v any) error
}

type Options struct {
	Session session.Options
	// IdleTTL is how long an untouched session stays in memory.
	IdleTTL time.Duration
}

type Service struct {
	repo    *Repo
	turns   session.TurnClient
	commits session.CommitClient
	clock   clock.Clock
	pub     Publisher
	log     *slog.Logger
	opts    Options

	mu   sync.Mutex
	live map[string]*liveSession
}

type liveSession struct {
	ctrl      *session.Controller
	attemptID string
	subs      map[int]chan session.Snapshot
	nextSub   int
}

func NewService(repo *Repo, turns session.TurnClient, commits session.CommitClient, clk clock.Clock, pub Publisher, log *slog.Logger, opts Options) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 30 * time.Minute
	}
	return &Service{
		repo:    repo,
		turns:   turns,
		commits: commits,
		clock:   clk,
		pub:     pub,
		log:     log,
		opts:    opts,
		live:    make(map[string]*liveSession),
	}
}

func NewSessionID() (string, error) {
	return common.NewULID()
}

// CreateSession stores a new session for company and greets.
func (s *Service) CreateSession(ctx context.Context, company session.Company) (*Session, session.Snapshot, error) {
	sid, err := NewSessionID()
	if err != nil {
		return nil, session.Snapshot{}, err
	}

	row := &Session{
		SessionID:   sid,
		CompanyID:   company.ID,
		CompanyName: company.Name,
		FirstQuote:  company.FirstQuote,
		Status:      SessionActive,
	}
	if err := s.repo.CreateSession(ctx, row); err != nil {
		return nil, session.Snapshot{}, err
	}

	ctrl, _ := s.register(row.SessionID, s.newController(row))
	return row, ctrl.Start(), nil
}

// controller returns the live controller for sessionID, rebuilding it from
// the stored transcript when it was evicted. A session owned by another
// company reports gorm.ErrRecordNotFound.
func (s *Service) controller(ctx context.Context, companyID, sessionID string) (*session.Controller, error) {
	s.mu.Lock()
	ls := s.live[sessionID]
	s.mu.Unlock()
	if ls != nil {
		if ls.ctrl.Company().ID != companyID {
			return nil, gorm.ErrRecordNotFound
		}
		return ls.ctrl, nil
	}

	row, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if row.CompanyID != companyID {
		// hide existence
		return nil, gorm.ErrRecordNotFound
	}
	msgs, err := s.repo.ListTranscript(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.revive(row, msgs)
}

// revive rebuilds the controller for row from its stored transcript and
// only then makes it visible in the live map. When another request revived
// the session first, that controller wins and this one is discarded.
func (s *Service) revive(row *Session, msgs []Message) (*session.Controller, error) {
	ctrl := s.newController(row)
	if len(msgs) > 0 {
		entries := make([]transcript.Entry, 0, len(msgs))
		for _, m := range msgs {
			entries = append(entries, transcript.Entry{Role: transcript.Role(m.Role), Content: m.Content, Timestamp: m.CreatedAt})
		}
		if err := ctrl.Restore(entries, row.RemoteSessionID); err != nil {
			ctrl.Close()
			return nil, err
		}
	}

	live, won := s.register(row.SessionID, ctrl)
	if !won {
		ctrl.Close()
		return live, nil
	}
	if len(msgs) == 0 {
		// greeting never got stored; Start is a no-op once a send started it
		ctrl.Start()
	}
	return live, nil
}

func (s *Service) newController(row *Session) *session.Controller {
	company := session.Company{ID: row.CompanyID, Name: row.CompanyName, FirstQuote: row.FirstQuote}
	return session.New(row.SessionID, company, s.turns, s.commits, s.clock, s.opts.Session, s.hooks(row), s.log)
}

// register adds ctrl unless another goroutine got there first, in which case
// that one is returned.
func (s *Service) register(sessionID string, ctrl *session.Controller) (*session.Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ls, ok := s.live[sessionID]; ok {
		return ls.ctrl, false
	}
	s.live[sessionID] = &liveSession{ctrl: ctrl, subs: make(map[int]chan session.Snapshot)}
	return ctrl, true
}

func (s *Service) Snapshot(ctx context.Context, companyID, sessionID string) (session.Snapshot, error) {
	ctrl, err := s.controller(ctx, companyID, sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}
	return ctrl.Snapshot(), nil
}

func (s *Service) SendMessage(ctx context.Context, companyID, sessionID, text string) (session.Snapshot, error) {
	ctrl, err := s.controller(ctx, companyID, sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}
	before := ctrl.RemoteSession()
	snap, err := ctrl.SendMessage(ctx, text)
	if remote := ctrl.RemoteSession(); remote != before {
		if uerr := s.repo.UpdateRemoteSessionID(ctx, sessionID, remote); uerr != nil {
			s.log.Error("store remote session id", "session_id", sessionID, "err", uerr)
		}
	}
	return snap, err
}

func (s *Service) CreateQuote(ctx context.Context, companyID, sessionID string) (session.Snapshot, error) {
	ctrl, err := s.controller(ctx, companyID, sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}
	return ctrl.CreateQuote(ctx)
}

func (s *Service) ListMessages(ctx context.Context, companyID, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	row, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if row.CompanyID != companyID {
		// hide existence
		return nil, gorm.ErrRecordNotFound
	}
	return s.repo.ListMessages(ctx, companyID, sessionID, limit, beforeID)
}

// Subscribe streams snapshots of the session. The current snapshot is
// delivered first; a slow reader only ever sees the latest one.
func (s *Service) Subscribe(ctx context.Context, companyID, sessionID string) (<-chan session.Snapshot, func(), error) {
	ctrl, err := s.controller(ctx, companyID, sessionID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan session.Snapshot, 1)
	ch <- ctrl.Snapshot()

	s.mu.Lock()
	ls, ok := s.live[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, nil, gorm.ErrRecordNotFound
	}
	id := ls.nextSub
	ls.nextSub++
	ls.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(ls.subs, id)
			s.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

func (s *Service) broadcast(sessionID string, snap session.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.live[sessionID]
	if !ok {
		return
	}
	for _, ch := range ls.subs {
		// keep only the newest snapshot for a slow reader
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// SweepIdle closes sessions that have been idle longer than the TTL and
// have no pending commit and no subscribers. It returns how many it closed.
func (s *Service) SweepIdle() int {
	now := s.clock.Now()

	s.mu.Lock()
	var idle []*session.Controller
	for id, ls := range s.live {
		if len(ls.subs) > 0 || ls.attemptID != "" || ls.ctrl.GuardState() != guard.Idle {
			continue
		}
		if now.Sub(ls.ctrl.LastActive()) < s.opts.IdleTTL {
			continue
		}
		idle = append(idle, ls.ctrl)
		delete(s.live, id)
	}
	s.mu.Unlock()

	for _, ctrl := range idle {
		ctrl.Close()
	}
	if len(idle) > 0 {
		s.log.Info("evicted idle sessions", "count", len(idle))
	}
	return len(idle)
}

// RunSweeper calls SweepIdle every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.SweepIdle()
		}
	}
}

// Close closes every live session.
func (s *Service) Close() {
	s.mu.Lock()
	all := s.live
	s.live = make(map[string]*liveSession)
	s.mu.Unlock()
	for _, ls := range all {
		ls.ctrl.Close()
	}
}

func (s *Service) hooks(row *Session) session.Hooks {
	sessionID, companyID := row.SessionID, row.CompanyID
	return session.Hooks{
		OnEntry: func(_ string, e transcript.Entry) {
			s.persistEntry(companyID, sessionID, e)
		},
		OnCommitStart:  s.commitStarted,
		OnCommitFinish: s.commitFinished,
		OnAutoTrigger:  s.auditTrigger,
		OnChange: func(snap session.Snapshot) {
			s.broadcast(sessionID, snap)
		},
	}
}

func (s *Service) persistEntry(companyID, sessionID string, e transcript.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	err := s.repo.InsertMessage(ctx, &Message{
		SessionID: sessionID,
		CompanyID: companyID,
		Role:      string(e.Role),
		Content:   e.Content,
		CreatedAt: e.Timestamp,
	})
	if err != nil {
		s.log.Error("persist transcript entry", "session_id", sessionID, "role", e.Role, "err", err)
	}
}

func (s *Service) commitStarted(ev session.CommitEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	id, err := common.NewULID()
	if err != nil {
		s.log.Error("new commit attempt id", "session_id", ev.SessionID, "err", err)
		return
	}
	a := &CommitAttempt{
		ID:        id,
		SessionID: ev.SessionID,
		CompanyID: ev.CompanyID,
		Trigger:   string(ev.Trigger),
		Amount:    ev.Amount,
		Status:    AttemptRunning,
	}
	if err := s.repo.CreateCommitAttempt(ctx, a); err != nil {
		s.log.Error("create commit attempt", "session_id", ev.SessionID, "err", err)
		return
	}

	s.mu.Lock()
	if ls, ok := s.live[ev.SessionID]; ok {
		ls.attemptID = id
	}
	s.mu.Unlock()
}

func (s *Service) commitFinished(ev session.CommitEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	s.mu.Lock()
	var attemptID string
	if ls, ok := s.live[ev.SessionID]; ok {
		attemptID = ls.attemptID
		ls.attemptID = ""
	}
	s.mu.Unlock()

	if ev.Err != nil {
		if attemptID != "" {
			if err := s.repo.MarkAttemptFailed(ctx, attemptID, string(failure.KindOf(ev.Err)), ev.Err.Error()); err != nil {
				s.log.Error("mark commit attempt failed", "attempt_id", attemptID, "err", err)
			}
		}
		return
	}

	if attemptID != "" {
		if err := s.repo.MarkAttemptSucceeded(ctx, attemptID, ev.QuoteID); err != nil {
			s.log.Error("mark commit attempt succeeded", "attempt_id", attemptID, "err", err)
		}
	}
	if err := s.repo.MarkSessionCommitted(ctx, ev.SessionID, ev.QuoteID); err != nil {
		s.log.Error("mark session committed", "session_id", ev.SessionID, "err", err)
	}
	s.publish(ctx, ev, EventQuoteCreated)
	s.publish(ctx, ev, EventChatSessionLength)
}

func (s *Service) publish(ctx context.Context, ev session.CommitEvent, typ EventType) {
	if s.pub == nil {
		return
	}
	id, err := common.NewULID()
	if err != nil {
		s.log.Error("new event id", "err", err)
		return
	}
	out := Event{
		ID:         id,
		Type:       typ,
		SessionID:  ev.SessionID,
		CompanyID:  ev.CompanyID,
		QuoteID:    ev.QuoteID,
		OccurredAt: ev.Finished,
	}
	switch typ {
	case EventQuoteCreated:
		out.Amount = ev.Amount
	case EventChatSessionLength:
		out.Entries = ev.Entries
	}
	if err := s.pub.Publish(ctx, out); err != nil {
		s.log.Error("publish analytics event", "type", typ, "session_id", ev.SessionID, "err", err)
	}
}

func (s *Service) auditTrigger(ev session.AutoTrigger) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	err := s.repo.InsertTriggerAudit(ctx, &TriggerAudit{
		SessionID: ev.SessionID,
		Phrase:    ev.Phrase,
		Reply:     ev.Reply,
		CreatedAt: ev.At,
	})
	if err != nil {
		s.log.Error("store trigger audit", "session_id", ev.SessionID, "err", err)
	}
}

// IsNotFound reports whether err means the session does not exist for the
// caller.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
