package session

import (
	"context"
	"errors"
	"log"
	"time"

	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/store"
)

const (
	maxAcquireAttempts   = 5
	acquireBackoff       = 20 * time.Millisecond
	defaultSettleTimeout = 10 * time.Second
)

// Manager owns register session transitions. At most one session per register
// is opening or opened; the store enforces that with a unique index and
// compare-and-set transitions, and the manager retries around the races.
type Manager struct {
	sessions       store.Sessions
	ledger         store.Ledger
	openingTimeout time.Duration
	settleTimeout  time.Duration
	now            func() time.Time
}

// NewManager builds a manager. settleTimeout bounds every ledger settlement
// call; a settlement that runs out of time leaves its session in closing.
func NewManager(sessions store.Sessions, ledger store.Ledger, openingTimeout time.Duration, settleTimeout time.Duration) *Manager {
	if openingTimeout <= 0 {
		openingTimeout = time.Minute
	}
	if settleTimeout <= 0 {
		settleTimeout = defaultSettleTimeout
	}
	return &Manager{
		sessions:       sessions,
		ledger:         ledger,
		openingTimeout: openingTimeout,
		settleTimeout:  settleTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Acquire returns the register's opened session, opening one when none exists.
// Leftovers from earlier crashes are cleaned up on the way: closing sessions are
// settled and closed, and opening sessions older than the opening timeout are
// force-closed.
func (m *Manager) Acquire(ctx context.Context, registerID string) (*domain.RegisterSession, error) {
	register, err := m.sessions.GetRegister(ctx, registerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.Errorf(domain.KindNoSession, "register %q not found", registerID)
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindNoSession, err, "load register %q", registerID)
	}
	if !register.Active {
		return nil, domain.Errorf(domain.KindNoSession, "register %q is not active", registerID)
	}

	for attempt := 1; attempt <= maxAcquireAttempts; attempt++ {
		session, err := m.tryAcquire(ctx, *register)
		if err != nil {
			return nil, domain.Wrap(domain.KindNoSession, err, "acquire session for register %q", registerID)
		}
		if session != nil {
			session.Register = *register
			return session, nil
		}
		select {
		case <-ctx.Done():
			return nil, domain.Wrap(domain.KindNoSession, ctx.Err(), "acquire session for register %q", registerID)
		case <-time.After(time.Duration(attempt) * acquireBackoff):
		}
	}
	return nil, domain.Errorf(domain.KindNoSession, "could not open a session for register %q after %d attempts", registerID, maxAcquireAttempts)
}

// tryAcquire makes one pass. A nil session with a nil error means another
// caller is mid-way through opening and the pass should be retried.
func (m *Manager) tryAcquire(ctx context.Context, register domain.Register) (*domain.RegisterSession, error) {
	unclosed, err := m.sessions.ListUnclosedSessions(ctx, register.ID)
	if err != nil {
		return nil, err
	}

	var opened *domain.RegisterSession
	openingInFlight := false
	for i := range unclosed {
		current := unclosed[i]
		switch current.State {
		case domain.SessionClosing:
			m.finishClosing(ctx, current.ID)
		case domain.SessionOpening:
			if m.now().Sub(current.CreatedAt) < m.openingTimeout {
				openingInFlight = true
				continue
			}
			log.Printf("[session] WARN: force-closing session %s stuck in opening since %s", current.ID, current.CreatedAt.Format(time.RFC3339))
			if _, err := m.sessions.TransitionSession(ctx, current.ID, domain.SessionOpening, domain.SessionClosed, m.now()); err != nil && !errors.Is(err, store.ErrConflict) {
				return nil, err
			}
		case domain.SessionOpened:
			if opened == nil {
				opened = &current
			}
		}
	}
	if opened != nil {
		return opened, nil
	}
	if openingInFlight {
		return nil, nil
	}

	created, err := m.sessions.CreateSession(ctx, domain.RegisterSession{
		RegisterID: register.ID,
		CompanyID:  register.CompanyID,
		State:      domain.SessionOpening,
		CreatedAt:  m.now(),
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	session, err := m.sessions.TransitionSession(ctx, created.ID, domain.SessionOpening, domain.SessionOpened, m.now())
	if errors.Is(err, store.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	log.Printf("[session] opened session %s for register %s", session.ID, register.ID)
	return session, nil
}

// Active returns the register's opened session without creating one.
func (m *Manager) Active(ctx context.Context, registerID string) (*domain.RegisterSession, error) {
	unclosed, err := m.sessions.ListUnclosedSessions(ctx, registerID)
	if err != nil {
		return nil, err
	}
	for i := range unclosed {
		if unclosed[i].State == domain.SessionOpened {
			return &unclosed[i], nil
		}
	}
	return nil, store.ErrNotFound
}

// CloseAndSettle moves an opened session through closing to closed. A failed
// settlement is logged and leaves the session in closing for the next Acquire
// or Sweep to complete; the returned error is informational.
func (m *Manager) CloseAndSettle(ctx context.Context, sessionID string) error {
	_, err := m.sessions.TransitionSession(ctx, sessionID, domain.SessionOpened, domain.SessionClosing, m.now())
	if errors.Is(err, store.ErrConflict) {
		// Someone else started closing it; finish the job or accept theirs.
		current, getErr := m.sessions.GetSession(ctx, sessionID)
		if getErr != nil {
			return getErr
		}
		switch current.State {
		case domain.SessionClosed:
			return nil
		case domain.SessionClosing:
			err = nil
		}
	}
	if err != nil {
		return err
	}
	return m.settleAndClose(ctx, sessionID)
}

// Sweep completes closing sessions that have not moved since before
// staleBefore, and force-closes opening sessions past the opening timeout.
func (m *Manager) Sweep(ctx context.Context, staleBefore time.Time) (int, error) {
	closed := 0
	closing, err := m.sessions.ListSessionsInState(ctx, domain.SessionClosing, staleBefore)
	if err != nil {
		return closed, err
	}
	for _, current := range closing {
		if err := m.settleAndClose(ctx, current.ID); err == nil {
			closed++
		}
	}

	opening, err := m.sessions.ListSessionsInState(ctx, domain.SessionOpening, m.now().Add(-m.openingTimeout))
	if err != nil {
		return closed, err
	}
	for _, current := range opening {
		if _, err := m.sessions.TransitionSession(ctx, current.ID, domain.SessionOpening, domain.SessionClosed, m.now()); err == nil {
			closed++
		}
	}
	return closed, nil
}

func (m *Manager) finishClosing(ctx context.Context, sessionID string) {
	if err := m.settleAndClose(ctx, sessionID); err != nil {
		log.Printf("[session] WARN: session %s still closing: %v", sessionID, err)
	}
}

func (m *Manager) settleAndClose(ctx context.Context, sessionID string) error {
	settleCtx, cancel := context.WithTimeout(ctx, m.settleTimeout)
	err := m.ledger.SettleSession(settleCtx, sessionID)
	cancel()
	if err != nil {
		log.Printf("[session] WARN: settlement failed for session %s: %v", sessionID, err)
		return err
	}
	if _, err := m.sessions.TransitionSession(ctx, sessionID, domain.SessionClosing, domain.SessionClosed, m.now()); err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	log.Printf("[session] closed session %s", sessionID)
	return nil
}
