// Package conversation drives the amount, recipient, confirmation dialogue of a transfer and
// hands a confirmed intent to the submitter exactly once.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerguard/internal/ledger"
	"ledgerguard/internal/metrics"
	"ledgerguard/internal/transfer"
)

// Message keys returned to the front end.
const (
	MsgEnterAmount      = "transfer.enter_amount"
	MsgEnterAddress     = "transfer.enter_address"
	MsgConfirm          = "transfer.confirm"
	MsgAlreadyActive    = "transfer.already_active"
	MsgNotStarted       = "transfer.not_started"
	MsgInvalidAmount    = "transfer.invalid_amount"
	MsgInvalidAddress   = "transfer.invalid_address"
	MsgNothingToConfirm = "transfer.nothing_to_confirm"
	MsgCancelled        = "transfer.cancelled"
	MsgNotCancellable   = "transfer.not_cancellable"
	MsgConfirmed        = "transfer.confirmed"
	MsgPending          = "transfer.pending"
	MsgInProgress       = "transfer.in_progress"
	MsgMemoSet          = "transfer.memo_set"
	MsgInvalidMemo      = "transfer.invalid_memo"

	// failures render as "transfer.error.<reason code>"
	msgErrorPrefix = "transfer.error."

	maxMemoLen = 256

	defaultIdleTTL = time.Hour
)

// Submitter is the part of transfer.Submitter the conversation needs.
type Submitter interface {
	Submit(ctx context.Context, intent transfer.Intent, key string) (transfer.Outcome, error)
}

// Reply is returned by every operation.
type Reply struct {
	State      State
	MessageKey string
	// Outcome is set once a confirmed intent has been submitted.
	Outcome *transfer.Outcome
	// Code is the failure reason when the submission did not succeed.
	Code transfer.Code
}

// Limits are the amount checks done while collecting, before the submitter sees anything.
type Limits struct {
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
}

type session struct {
	mu    sync.Mutex
	state State
	// inflight is set while the submitter runs; mu is not held across that call
	inflight bool

	// guarded by Manager.mu
	refs    int
	touched time.Time
}

// Manager holds one conversation per user. Operations on one user are serialized, apart from
// the submitter call itself; different users proceed in parallel. Sessions idle for longer
// than the idle TTL are dropped.
type Manager struct {
	mu        sync.Mutex
	sessions  map[string]*session
	idleTTL   time.Duration
	lastPrune time.Time

	submitter Submitter
	limits    Limits
	newKey    func() string
	log       *slog.Logger
	metrics   *metrics.Registry
	now       func() time.Time
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option       { return func(m *Manager) { m.log = l } }
func WithMetrics(r *metrics.Registry) Option { return func(m *Manager) { m.metrics = r } }

// WithKeyGenerator replaces the UUIDv7 idempotency key generator.
func WithKeyGenerator(fn func() string) Option { return func(m *Manager) { m.newKey = fn } }

// WithIdleTTL sets how long an untouched session is kept.
func WithIdleTTL(d time.Duration) Option { return func(m *Manager) { m.idleTTL = d } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(submitter Submitter, limits Limits, opts ...Option) *Manager {
	m := &Manager{
		sessions:  make(map[string]*session),
		idleTTL:   defaultIdleTTL,
		submitter: submitter,
		limits:    limits,
		newKey:    newKey,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.idleTTL <= 0 {
		m.idleTTL = defaultIdleTTL
	}
	return m
}

// acquire returns the session of userID, creating it if needed, and pins it until release.
func (m *Manager) acquire(userID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if now.Sub(m.lastPrune) >= m.idleTTL/4 {
		m.prune(now)
	}
	s, ok := m.sessions[userID]
	if !ok {
		s = &session{}
		m.sessions[userID] = s
	}
	s.refs++
	s.touched = now
	return s
}

func (m *Manager) release(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	s.touched = m.now()
}

// Prune drops every unpinned session idle for longer than the idle TTL and reports how
// many went.
func (m *Manager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prune(m.now())
}

func (m *Manager) prune(now time.Time) int {
	m.lastPrune = now
	n := 0
	for id, s := range m.sessions {
		if s.refs == 0 && now.Sub(s.touched) > m.idleTTL {
			delete(m.sessions, id)
			n++
		}
	}
	if n > 0 {
		m.log.Debug("pruned idle conversations", "count", n, "remaining", len(m.sessions))
	}
	return n
}

// State returns the current state for userID, or nil when no transfer was begun or the
// session has been pruned. It never waits on a submission in flight.
func (m *Manager) State(userID string) State {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (m *Manager) move(userID string, s *session, to State, key string) Reply {
	if s.state == nil || s.state.Name() != to.Name() {
		m.metrics.IncTransition(string(to.Name()))
		m.log.Debug("conversation transition", "user_id", userID, "to", to.Name())
	}
	s.state = to
	return Reply{State: to, MessageKey: key}
}

func stay(s *session, key string) Reply {
	return Reply{State: s.state, MessageKey: key}
}

// BeginTransfer starts a new transfer. An unfinished one must be cancelled first.
func (m *Manager) BeginTransfer(userID string) Reply {
	s := m.acquire(userID)
	defer m.release(s)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight || (s.state != nil && !s.state.Terminal()) {
		return stay(s, MsgAlreadyActive)
	}
	return m.move(userID, s, CollectAmount{}, MsgEnterAmount)
}

// ProvideAmount fills or replaces the amount slot.
func (m *Manager) ProvideAmount(userID, text string) Reply {
	s := m.acquire(userID)
	defer m.release(s)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight {
		return stay(s, MsgInProgress)
	}
	if s.state == nil || s.state.Terminal() {
		return stay(s, MsgNotStarted)
	}
	amount, err := m.parseAmount(text)
	if err != nil {
		return stay(s, MsgInvalidAmount)
	}
	d := DraftOf(s.state)
	d.Amount = decimal.NewNullDecimal(amount)
	return m.advance(userID, s, d)
}

// ProvideAddress fills or replaces the recipient slot.
func (m *Manager) ProvideAddress(userID, text string) Reply {
	s := m.acquire(userID)
	defer m.release(s)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight {
		return stay(s, MsgInProgress)
	}
	if s.state == nil || s.state.Terminal() {
		return stay(s, MsgNotStarted)
	}
	recipient := strings.TrimSpace(text)
	if err := ledger.ValidateAddress(recipient); err != nil {
		return stay(s, MsgInvalidAddress)
	}
	d := DraftOf(s.state)
	d.Recipient = recipient
	return m.advance(userID, s, d)
}

// ProvideMemo attaches a memo without changing state.
func (m *Manager) ProvideMemo(userID, text string) Reply {
	s := m.acquire(userID)
	defer m.release(s)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight {
		return stay(s, MsgInProgress)
	}
	if s.state == nil || s.state.Terminal() {
		return stay(s, MsgNotStarted)
	}
	memo := strings.TrimSpace(text)
	if len(memo) > maxMemoLen {
		return stay(s, MsgInvalidMemo)
	}
	d := DraftOf(s.state)
	d.Memo = memo
	switch s.state.(type) {
	case CollectAmount:
		s.state = CollectAmount{Draft: d}
	case CollectAddress:
		s.state = CollectAddress{Draft: d}
	case Confirm:
		s.state = Confirm{Draft: d}
	}
	return stay(s, MsgMemoSet)
}

func (m *Manager) advance(userID string, s *session, d Draft) Reply {
	to := next(d)
	switch to.(type) {
	case CollectAmount:
		return m.move(userID, s, to, MsgEnterAmount)
	case CollectAddress:
		return m.move(userID, s, to, MsgEnterAddress)
	case Confirm:
		return m.move(userID, s, to, MsgConfirm)
	default:
		panic(fmt.Sprintf("conversation: unexpected collection state %T", to))
	}
}

// Confirm submits the draft on yes and cancels it on no. The idempotency key is generated
// here, so a crash before this point leaves nothing to deduplicate against. The session
// lock is released while the submitter runs.
func (m *Manager) Confirm(ctx context.Context, userID string, yes bool) Reply {
	s := m.acquire(userID)
	defer m.release(s)

	submitted, reply, ok := m.startSubmit(userID, s, yes)
	if !ok {
		return reply
	}
	key := submitted.IdempotencyKey
	intent := transfer.Intent{
		SenderID:  userID,
		Recipient: submitted.Draft.Recipient,
		Amount:    submitted.Draft.Amount.Decimal,
		Memo:      submitted.Draft.Memo,
	}
	out, err := m.submitter.Submit(ctx, intent, key)
	submitted.Outcome = &out

	s.mu.Lock()
	s.state = submitted
	s.inflight = false
	s.mu.Unlock()

	reply = Reply{State: submitted, Outcome: &out}
	switch {
	case err == nil:
		reply.MessageKey = MsgConfirmed
	case errors.Is(err, transfer.ErrLedgerTimeout):
		reply.MessageKey = MsgPending
		reply.Code = transfer.CodeLedgerTimeout
	default:
		reply.Code = transfer.CodeOf(err)
		if reply.Code == "" {
			reply.Code = transfer.CodeInternal
		}
		reply.MessageKey = msgErrorPrefix + string(reply.Code)
		m.log.Warn("transfer submission failed", "user_id", userID, "idempotency_key", key, "reason", reply.Code, "err", err)
	}
	return reply
}

// startSubmit moves a complete draft to Submitted and marks the session in flight. ok is
// false when there is nothing to submit; reply then carries the answer.
func (m *Manager) startSubmit(userID string, s *session, yes bool) (Submitted, Reply, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state.(Confirm)
	if !ok {
		return Submitted{}, stay(s, MsgNothingToConfirm), false
	}
	if !yes {
		return Submitted{}, m.move(userID, s, Cancelled{}, MsgCancelled), false
	}
	if !st.Draft.complete() {
		return Submitted{}, m.advance(userID, s, st.Draft), false
	}

	submitted := Submitted{Draft: st.Draft, IdempotencyKey: m.newKey()}
	m.move(userID, s, submitted, MsgInProgress)
	s.inflight = true
	return submitted, Reply{}, true
}

// Cancel discards the draft. It is refused once the intent has been submitted.
func (m *Manager) Cancel(userID string) Reply {
	s := m.acquire(userID)
	defer m.release(s)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state.(type) {
	case nil:
		return stay(s, MsgNotStarted)
	case Submitted:
		return stay(s, MsgNotCancellable)
	case Cancelled:
		return stay(s, MsgCancelled)
	default:
		return m.move(userID, s, Cancelled{}, MsgCancelled)
	}
}

func (m *Manager) parseAmount(text string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return decimal.Zero, err
	}
	switch {
	case !amount.IsPositive():
		return decimal.Zero, errors.New("amount must be positive")
	case !amount.Equal(amount.Truncate(6)):
		return decimal.Zero, errors.New("more than 6 decimal places")
	case m.limits.MinAmount.IsPositive() && amount.LessThan(m.limits.MinAmount):
		return decimal.Zero, errors.New("below minimum")
	case m.limits.MaxAmount.IsPositive() && amount.GreaterThan(m.limits.MaxAmount):
		return decimal.Zero, errors.New("above maximum")
	}
	return amount, nil
}

func newKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
