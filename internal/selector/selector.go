// Package selector picks the (account, session, proxy) triple for one unit
// of work and assembles its runtime configuration.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/crawlpilot/internal/accounts"
	"github.com/mbd888/crawlpilot/internal/audit"
	"github.com/mbd888/crawlpilot/internal/cookiecrypt"
	"github.com/mbd888/crawlpilot/internal/metrics"
	"github.com/mbd888/crawlpilot/internal/proxies"
	"github.com/mbd888/crawlpilot/internal/traces"
)

// ErrInvalidMode is returned by ParseMode.
var ErrInvalidMode = errors.New("selector: mode must be AUTO or MANUAL")

// ReasonDecryptFailed is the status reason written on a session whose
// cookies cannot be opened.
const ReasonDecryptFailed = "DECRYPT_FAILED"

// Mode controls how the preferred account is treated.
type Mode string

const (
	ModeAuto   Mode = "AUTO"
	ModeManual Mode = "MANUAL"
)

// ParseMode accepts AUTO or MANUAL in any case. Empty means AUTO.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeManual:
		return ModeManual, nil
	}
	return "", ErrInvalidMode
}

// Hint tells the executor how hard to push.
type Hint string

const (
	HintSafe       Hint = "SAFE"
	HintNormal     Hint = "NORMAL"
	HintAggressive Hint = "AGGRESSIVE"
)

// FailureReason explains an unsuccessful selection.
type FailureReason string

const (
	ReasonNoAccounts         FailureReason = "NO_ACCOUNTS"
	ReasonNoSessions         FailureReason = "NO_SESSIONS"
	ReasonAllSessionsInvalid FailureReason = "ALL_SESSIONS_INVALID"
	ReasonSessionExpired     FailureReason = "SESSION_EXPIRED"
	ReasonNoProxyAvailable   FailureReason = "NO_PROXY_AVAILABLE"
)

// Options tune one selection.
type Options struct {
	Mode           Mode
	ForceAccountID string
	// RequireProxy overrides the configured default when set.
	RequireProxy *bool
	// Hint overrides the derived hint when set.
	Hint Hint
	// DryRun reports the proxy that would be used without counting a use.
	DryRun bool
}

// RuntimeConfig is everything the executor needs for one task. It is never
// persisted.
type RuntimeConfig struct {
	Account *accounts.Account    `json:"account"`
	Session *accounts.Session    `json:"session"`
	Cookies []cookiecrypt.Cookie `json:"cookies"`
	Proxy   *proxies.Slot        `json:"proxy,omitempty"`
	Hint    Hint                 `json:"hint"`
}

// Summary is the loggable view of a selection. It never carries cookies
// or proxy credentials.
type Summary struct {
	AccountID     string                 `json:"accountId"`
	AccountHandle string                 `json:"accountHandle,omitempty"`
	SessionID     string                 `json:"sessionId"`
	SessionStatus accounts.SessionStatus `json:"sessionStatus"`
	RiskScore     int                    `json:"riskScore"`
	LastSyncAt    time.Time              `json:"lastSyncAt"`
	AvgLatencyMs  int                    `json:"avgLatencyMs"`
	Proxy         string                 `json:"proxy,omitempty"`
	Alternatives  int                    `json:"alternatives"`
	Mode          Mode                   `json:"mode"`
	Hint          Hint                   `json:"hint"`
}

// Result of Select. When OK is false, Reason says why and the other fields
// are nil.
type Result struct {
	OK      bool           `json:"ok"`
	Reason  FailureReason  `json:"reason,omitempty"`
	Config  *RuntimeConfig `json:"-"`
	Summary *Summary       `json:"summary,omitempty"`
}

func failed(reason FailureReason) *Result {
	return &Result{Reason: reason}
}

// Selector ranks a user's sessions and assembles the winner.
type Selector struct {
	store        accounts.Store
	decrypter    cookiecrypt.Decrypter
	proxies      proxies.Provider
	audit        *audit.Log
	requireProxy bool
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a selector. It has no proxy provider until WithProxies.
func New(store accounts.Store, decrypter cookiecrypt.Decrypter, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{store: store, decrypter: decrypter, logger: logger, now: time.Now}
}

// WithProxies sets the proxy provider. Nil is allowed.
func (s *Selector) WithProxies(p proxies.Provider) *Selector {
	s.proxies = p
	return s
}

// WithRequireProxy sets the default for Options.RequireProxy.
func (s *Selector) WithRequireProxy(require bool) *Selector {
	s.requireProxy = require
	return s
}

// WithAudit records decrypt failures to log.
func (s *Selector) WithAudit(log *audit.Log) *Selector {
	s.audit = log
	return s
}

// WithClock overrides the clock (for testing).
func (s *Selector) WithClock(now func() time.Time) *Selector {
	s.now = now
	return s
}

// Select picks the best triple for the user. Selection failures come back
// as a Result with OK false; the error is reserved for store and
// infrastructure failures.
func (s *Selector) Select(ctx context.Context, userID string, opts Options) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "selector.Select", traces.UserID(userID))
	defer span.End()

	res, err := s.selectTriple(ctx, userID, opts)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	label := "ok"
	if !res.OK {
		label = string(res.Reason)
		span.SetAttributes(traces.Reason(label))
	}
	metrics.SelectionsTotal.WithLabelValues(label).Inc()
	return res, nil
}

func (s *Selector) selectTriple(ctx context.Context, userID string, opts Options) (*Result, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeAuto
	}

	accts, err := s.store.ListAccounts(ctx, userID, true)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	if opts.ForceAccountID != "" {
		accts = onlyAccount(accts, opts.ForceAccountID)
	}
	if len(accts) == 0 {
		return failed(ReasonNoAccounts), nil
	}

	var cands []candidate
	var total, live, expired int
	for _, a := range accts {
		sessions, err := s.store.ListSessionsByAccount(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("list sessions of %s: %w", a.ID, err)
		}
		total += len(sessions)
		for _, sess := range sessions {
			switch {
			case sess.Status == accounts.StatusExpired:
				live++
				expired++
			case sess.IsActive:
				live++
			}
		}
		if best := BestSession(sessions); best != nil {
			cands = append(cands, candidate{account: a, session: best})
		}
	}
	if len(cands) == 0 {
		return failed(classify(total, live, expired)), nil
	}

	rankCandidates(cands, mode)
	win := cands[0]

	requireProxy := s.requireProxy
	if opts.RequireProxy != nil {
		requireProxy = *opts.RequireProxy
	}
	if requireProxy && proxies.Peek(ctx, s.proxies) == nil {
		return failed(ReasonNoProxyAvailable), nil
	}

	cookies, err := s.decrypter.Decrypt(ctx, win.session.EncryptedCookies)
	if err != nil {
		if !errors.Is(err, cookiecrypt.ErrDecrypt) {
			return nil, fmt.Errorf("decrypt session %s: %w", win.session.ID, err)
		}
		if err := s.quarantine(ctx, win.session, err); err != nil {
			return nil, err
		}
		return failed(ReasonAllSessionsInvalid), nil
	}

	var slot *proxies.Slot
	if opts.DryRun {
		slot = proxies.Peek(ctx, s.proxies)
	} else {
		slot = proxies.Acquire(ctx, s.proxies)
	}
	if slot == nil && requireProxy {
		return failed(ReasonNoProxyAvailable), nil
	}

	hint := opts.Hint
	if hint == "" {
		hint = DeriveHint(win.session, s.now())
	}

	sess := win.session.Clone()
	sess.EncryptedCookies = nil
	summary := &Summary{
		AccountID:     win.account.ID,
		AccountHandle: win.account.Handle,
		SessionID:     sess.ID,
		SessionStatus: sess.Status,
		RiskScore:     sess.RiskScore,
		LastSyncAt:    sess.LastSyncAt,
		AvgLatencyMs:  sess.AvgLatencyMs,
		Proxy:         slot.Identity(),
		Alternatives:  len(cands) - 1,
		Mode:          mode,
		Hint:          hint,
	}
	return &Result{
		OK: true,
		Config: &RuntimeConfig{
			Account: win.account,
			Session: sess,
			Cookies: cookies,
			Proxy:   slot,
			Hint:    hint,
		},
		Summary: summary,
	}, nil
}

// quarantine marks a session whose cookies cannot be opened as invalid so
// the next selection skips it.
func (s *Selector) quarantine(ctx context.Context, sess *accounts.Session, cause error) error {
	metrics.DecryptFailuresTotal.Inc()
	applied, err := s.store.PatchSession(ctx, sess.ID, accounts.SessionPatch{
		Status:       accounts.Ptr(accounts.StatusInvalid),
		StatusReason: accounts.Ptr(ReasonDecryptFailed),
		UnlessStatus: []accounts.SessionStatus{accounts.StatusInvalid, accounts.StatusExpired},
	})
	if err != nil {
		return fmt.Errorf("invalidate session %s: %w", sess.ID, err)
	}
	s.logger.Warn("session cookies failed to decrypt", "session_id", sess.ID,
		"user_id", sess.UserID, "applied", applied, "error", cause)
	if !applied {
		return nil
	}

	metrics.SessionTransitionsTotal.WithLabelValues(string(sess.Status), string(accounts.StatusInvalid)).Inc()
	s.audit.Record(ctx, &audit.Event{
		Type:      audit.TypeSessionDecryptFailed,
		UserID:    sess.UserID,
		AccountID: sess.AccountID,
		SessionID: sess.ID,
		From:      string(sess.Status),
		To:        string(accounts.StatusInvalid),
		Reason:    ReasonDecryptFailed,
	})
	if _, err := accounts.RefreshIntegration(ctx, s.store, sess.UserID, s.now()); err != nil {
		s.logger.Warn("integration refresh failed", "user_id", sess.UserID, "error", err)
	}
	return nil
}

// SetPreferredAccount makes accountID the user's only preferred account.
func (s *Selector) SetPreferredAccount(ctx context.Context, userID, accountID string) error {
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if a.UserID != userID {
		return accounts.ErrAccountNotFound
	}
	return s.store.SetPreferredAccount(ctx, userID, accountID)
}

func onlyAccount(accts []*accounts.Account, id string) []*accounts.Account {
	for _, a := range accts {
		if a.ID == id {
			return []*accounts.Account{a}
		}
	}
	return nil
}
