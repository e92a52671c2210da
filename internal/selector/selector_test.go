package selector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/crawlpilot/internal/accounts"
	"github.com/mbd888/crawlpilot/internal/audit"
	"github.com/mbd888/crawlpilot/internal/cookiecrypt"
	"github.com/mbd888/crawlpilot/internal/logging"
	"github.com/mbd888/crawlpilot/internal/proxies"
)

var now = time.Date(2026, 8, 3, 15, 0, 0, 0, time.UTC)

type fixture struct {
	store *accounts.MemoryStore
	box   *cookiecrypt.Box
	audit *audit.MemoryStore
	sel   *Selector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	box, err := cookiecrypt.NewBox("test-passphrase", "")
	require.NoError(t, err)
	f := &fixture{store: accounts.NewMemoryStore(), box: box, audit: audit.NewMemoryStore()}
	f.sel = New(f.store, box, logging.Discard()).
		WithAudit(audit.NewLog(f.audit, logging.Discard())).
		WithClock(func() time.Time { return now })
	return f
}

func (f *fixture) account(t *testing.T, a accounts.Account) {
	t.Helper()
	if a.UserID == "" {
		a.UserID = "u1"
	}
	require.NoError(t, f.store.CreateAccount(context.Background(), &a))
}

func (f *fixture) session(t *testing.T, s accounts.Session) {
	t.Helper()
	if s.EncryptedCookies == nil {
		blob, err := f.box.Seal([]cookiecrypt.Cookie{{Name: "auth_token", Value: "tok-" + s.ID}})
		require.NoError(t, err)
		s.EncryptedCookies = blob
	}
	if s.LastSyncAt.IsZero() {
		s.LastSyncAt = now.Add(-time.Hour)
	}
	require.NoError(t, f.store.CreateSession(context.Background(), &s))
}

func (f *fixture) selectDefault(t *testing.T, opts Options) *Result {
	t.Helper()
	res, err := f.sel.Select(context.Background(), "u1", opts)
	require.NoError(t, err)
	return res
}

// ---------------------------------------------------------------------------
// Pure ranking
// ---------------------------------------------------------------------------

func TestBestSession(t *testing.T) {
	mk := func(id string, st accounts.SessionStatus, active bool, age time.Duration, risk int) *accounts.Session {
		return &accounts.Session{ID: id, Status: st, IsActive: active, LastSyncAt: now.Add(-age), RiskScore: risk}
	}
	tests := []struct {
		name     string
		sessions []*accounts.Session
		want     string
	}{
		{"empty", nil, ""},
		{"ok beats fresher stale", []*accounts.Session{mk("st", accounts.StatusStale, true, 0, 0), mk("ok", accounts.StatusOK, true, 10*time.Hour, 90)}, "ok"},
		{"stale beats error", []*accounts.Session{mk("er", accounts.StatusError, true, 0, 0), mk("st", accounts.StatusStale, true, time.Hour, 0)}, "st"},
		{"error is last resort", []*accounts.Session{mk("er", accounts.StatusError, true, 0, 0), mk("inv", accounts.StatusInvalid, true, 0, 0)}, "er"},
		{"inactive ok skipped", []*accounts.Session{mk("ok", accounts.StatusOK, false, 0, 0), mk("st", accounts.StatusStale, true, 0, 0)}, "st"},
		{"invalid and expired never", []*accounts.Session{mk("inv", accounts.StatusInvalid, true, 0, 0), mk("exp", accounts.StatusExpired, true, 0, 0)}, ""},
		{"fresher wins in tier", []*accounts.Session{mk("old", accounts.StatusOK, true, 2*time.Hour, 0), mk("new", accounts.StatusOK, true, time.Hour, 50)}, "new"},
		{"risk breaks sync tie", []*accounts.Session{mk("risky", accounts.StatusOK, true, time.Hour, 40), mk("calm", accounts.StatusOK, true, time.Hour, 10)}, "calm"},
		{"id breaks full tie", []*accounts.Session{mk("b", accounts.StatusOK, true, time.Hour, 10), mk("a", accounts.StatusOK, true, time.Hour, 10)}, "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BestSession(tt.sessions)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}

func TestRankCandidates_Keys(t *testing.T) {
	acct := func(id string, pref bool, prio int) *accounts.Account {
		return &accounts.Account{ID: id, IsPreferred: pref, Priority: prio}
	}
	sess := func(id string, st accounts.SessionStatus, risk int, age time.Duration, lat int) *accounts.Session {
		return &accounts.Session{ID: id, Status: st, RiskScore: risk, LastSyncAt: now.Add(-age), AvgLatencyMs: lat}
	}
	tests := []struct {
		name string
		mode Mode
		a, b candidate
	}{
		{"status", ModeAuto,
			candidate{acct("a2", false, 0), sess("s2", accounts.StatusOK, 90, 9*time.Hour, 9000)},
			candidate{acct("a1", true, 9), sess("s1", accounts.StatusStale, 0, 0, 0)}},
		{"manual preferred", ModeManual,
			candidate{acct("a2", true, 0), sess("s2", accounts.StatusOK, 90, time.Hour, 100)},
			candidate{acct("a1", false, 0), sess("s1", accounts.StatusOK, 0, time.Hour, 100)}},
		{"risk", ModeAuto,
			candidate{acct("a2", false, 0), sess("s2", accounts.StatusOK, 10, 5*time.Hour, 100)},
			candidate{acct("a1", true, 0), sess("s1", accounts.StatusOK, 20, time.Hour, 100)}},
		{"freshness", ModeAuto,
			candidate{acct("a2", false, 0), sess("s2", accounts.StatusOK, 10, time.Hour, 900)},
			candidate{acct("a1", false, 0), sess("s1", accounts.StatusOK, 10, 2*time.Hour, 100)}},
		{"latency", ModeAuto,
			candidate{acct("a2", false, 0), sess("s2", accounts.StatusOK, 10, time.Hour, 100)},
			candidate{acct("a1", false, 5), sess("s1", accounts.StatusOK, 10, time.Hour, 200)}},
		{"priority", ModeAuto,
			candidate{acct("a2", false, 5), sess("s2", accounts.StatusOK, 10, time.Hour, 100)},
			candidate{acct("a1", false, 1), sess("s1", accounts.StatusOK, 10, time.Hour, 100)}},
		{"account id", ModeAuto,
			candidate{acct("a1", false, 1), sess("s9", accounts.StatusOK, 10, time.Hour, 100)},
			candidate{acct("a2", false, 1), sess("s1", accounts.StatusOK, 10, time.Hour, 100)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, order := range [][]candidate{{tt.a, tt.b}, {tt.b, tt.a}} {
				cs := append([]candidate(nil), order...)
				rankCandidates(cs, tt.mode)
				assert.Equal(t, tt.a.account.ID, cs[0].account.ID)
			}
		})
	}
}

func TestDeriveHint(t *testing.T) {
	tests := []struct {
		name string
		s    accounts.Session
		want Hint
	}{
		{"high risk", accounts.Session{RiskScore: 51, AvgLatencyMs: 100}, HintSafe},
		{"recent abort", accounts.Session{RiskScore: 0, AvgLatencyMs: 100, LastAbortAt: now.Add(-29 * time.Minute)}, HintSafe},
		{"old abort", accounts.Session{RiskScore: 0, AvgLatencyMs: 100, LastAbortAt: now.Add(-31 * time.Minute)}, HintAggressive},
		{"fast and clean", accounts.Session{RiskScore: 19, AvgLatencyMs: 1499}, HintAggressive},
		{"slow", accounts.Session{RiskScore: 5, AvgLatencyMs: 1500}, HintNormal},
		{"risk 20", accounts.Session{RiskScore: 20, AvgLatencyMs: 100}, HintNormal},
		{"risk 50", accounts.Session{RiskScore: 50, AvgLatencyMs: 100}, HintNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveHint(&tt.s, now))
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("manual")
	require.NoError(t, err)
	assert.Equal(t, ModeManual, m)
	m, _ = ParseMode("")
	assert.Equal(t, ModeAuto, m)
	_, err = ParseMode("random")
	assert.ErrorIs(t, err, ErrInvalidMode)
}

// ---------------------------------------------------------------------------
// Select
// ---------------------------------------------------------------------------

func TestSelect_Failures(t *testing.T) {
	t.Run("no accounts", func(t *testing.T) {
		f := newFixture(t)
		f.account(t, accounts.Account{ID: "off", Enabled: false})
		f.session(t, accounts.Session{ID: "s1", AccountID: "off", Status: accounts.StatusOK, IsActive: true})
		res := f.selectDefault(t, Options{})
		assert.False(t, res.OK)
		assert.Equal(t, ReasonNoAccounts, res.Reason)
	})

	t.Run("forced account not enabled", func(t *testing.T) {
		f := newFixture(t)
		f.account(t, accounts.Account{ID: "a1", Enabled: true})
		f.session(t, accounts.Session{ID: "s1", AccountID: "a1", Status: accounts.StatusOK, IsActive: true})
		res := f.selectDefault(t, Options{ForceAccountID: "other"})
		assert.Equal(t, ReasonNoAccounts, res.Reason)
	})

	t.Run("no sessions", func(t *testing.T) {
		f := newFixture(t)
		f.account(t, accounts.Account{ID: "a1", Enabled: true})
		assert.Equal(t, ReasonNoSessions, f.selectDefault(t, Options{}).Reason)
	})

	t.Run("only expired", func(t *testing.T) {
		f := newFixture(t)
		f.account(t, accounts.Account{ID: "a1", Enabled: true})
		f.account(t, accounts.Account{ID: "a2", Enabled: true})
		f.session(t, accounts.Session{ID: "s1", AccountID: "a1", Status: accounts.StatusExpired})
		f.session(t, accounts.Session{ID: "s2", AccountID: "a2", Status: accounts.StatusExpired})
		assert.Equal(t, ReasonSessionExpired, f.selectDefault(t, Options{}).Reason)
	})

	t.Run("expired after resync", func(t *testing.T) {
		f := newFixture(t)
		f.account(t, accounts.Account{ID: "a1", Enabled: true})
		f.session(t, accounts.Session{ID: "old", AccountID: "a1", Status: accounts.StatusOK, IsActive: false, StatusReason: accounts.ReasonSuperseded})
		f.session(t, accounts.Session{ID: "new", AccountID: "a1", Status: accounts.StatusExpired})
		assert.Equal(t, ReasonSessionExpired, f.selectDefault(t, Options{}).Reason)
	})

	t.Run("only superseded", func(t *testing.T) {
		f := newFixture(t)
		f.account(t, accounts.Account{ID: "a1", Enabled: true})
		f.session(t, accounts.Session{ID: "old", AccountID: "a1", Status: accounts.StatusOK, IsActive: false})
		assert.Equal(t, ReasonAllSessionsInvalid, f.selectDefault(t, Options{}).Reason)
	})

	t.Run("invalid and expired", func(t *testing.T) {
		f := newFixture(t)
		f.account(t, accounts.Account{ID: "a1", Enabled: true})
		f.session(t, accounts.Session{ID: "s1", AccountID: "a1", Status: accounts.StatusExpired})
		f.session(t, accounts.Session{ID: "s2", AccountID: "a1", Status: accounts.StatusInvalid, IsActive: true})
		f.session(t, accounts.Session{ID: "s3", AccountID: "a1", Status: accounts.StatusOK, IsActive: false})
		res := f.selectDefault(t, Options{})
		assert.Equal(t, ReasonAllSessionsInvalid, res.Reason)
		assert.Nil(t, res.Config)
		assert.Nil(t, res.Summary)
	})
}

func TestSelect_Success(t *testing.T) {
	f := newFixture(t)
	f.account(t, accounts.Account{ID: "a1", Handle: "@first", Enabled: true})
	f.account(t, accounts.Account{ID: "a2", Handle: "@second", Enabled: true})
	f.session(t, accounts.Session{ID: "s1", AccountID: "a1", Status: accounts.StatusOK, IsActive: true, RiskScore: 30, AvgLatencyMs: 800})
	f.session(t, accounts.Session{ID: "s2", AccountID: "a2", Status: accounts.StatusOK, IsActive: true, RiskScore: 10, AvgLatencyMs: 900})

	res := f.selectDefault(t, Options{})
	require.True(t, res.OK)
	assert.Equal(t, "a2", res.Summary.AccountID)
	assert.Equal(t, "@second", res.Summary.AccountHandle)
	assert.Equal(t, 1, res.Summary.Alternatives)
	assert.Equal(t, ModeAuto, res.Summary.Mode)
	assert.Equal(t, HintAggressive, res.Summary.Hint)
	assert.Empty(t, res.Summary.Proxy)

	require.Len(t, res.Config.Cookies, 1)
	assert.Equal(t, "tok-s2", res.Config.Cookies[0].Value)
	assert.Nil(t, res.Config.Session.EncryptedCookies)
	assert.Nil(t, res.Config.Proxy)

	stored, _ := f.store.GetSession(context.Background(), "s2")
	assert.NotEmpty(t, stored.EncryptedCookies, "stripping must not touch the store")
}

func TestSelect_ManualPrefersFlaggedAccount(t *testing.T) {
	f := newFixture(t)
	f.account(t, accounts.Account{ID: "a1", Enabled: true})
	f.account(t, accounts.Account{ID: "a2", Enabled: true})
	f.session(t, accounts.Session{ID: "s1", AccountID: "a1", Status: accounts.StatusOK, IsActive: true, RiskScore: 5})
	f.session(t, accounts.Session{ID: "s2", AccountID: "a2", Status: accounts.StatusOK, IsActive: true, RiskScore: 60})
	require.NoError(t, f.sel.SetPreferredAccount(context.Background(), "u1", "a2"))

	assert.Equal(t, "a1", f.selectDefault(t, Options{Mode: ModeAuto}).Summary.AccountID)
	manual := f.selectDefault(t, Options{Mode: ModeManual})
	assert.Equal(t, "a2", manual.Summary.AccountID)
	assert.Equal(t, HintSafe, manual.Summary.Hint)
}

func TestSelect_ManualPreferredStaleStillLosesToOK(t *testing.T) {
	f := newFixture(t)
	f.account(t, accounts.Account{ID: "a1", Enabled: true})
	f.account(t, accounts.Account{ID: "a2", Enabled: true, IsPreferred: true})
	f.session(t, accounts.Session{ID: "s1", AccountID: "a1", Status: accounts.StatusOK, IsActive: true})
	f.session(t, accounts.Session{ID: "s2", AccountID: "a2", Status: accounts.StatusStale, IsActive: true})
	assert.Equal(t, "a1", f.selectDefault(t, Options{Mode: ModeManual}).Summary.AccountID)
}

func TestSelect_HintOverride(t *testing.T) {
	f := newFixture(t)
	f.account(t, accounts.Account{ID: "a1", Enabled: true})
	f.session(t, accounts.Session{ID: "s1", AccountID: "a1", Status: accounts.StatusOK, IsActive: true})
	res := f.selectDefault(t, Options{Hint: HintSafe})
	assert.Equal(t, HintSafe, res.Config.Hint)
}

func TestSelect_Proxy(t *testing.T) {
	f := newFixture(t)
	f.account(t, accounts.Account{ID: "a1", Enabled: true})
	f.session(t, accounts.Session{ID: "s1", AccountID: "a1", Status: accounts.StatusOK, IsActive: true})

	f.sel.WithRequireProxy(true)
	assert.Equal(t, ReasonNoProxyAvailable, f.selectDefault(t, Options{}).Reason)

	res := f.selectDefault(t, Options{RequireProxy: accounts.Ptr(false)})
	assert.True(t, res.OK, "caller override must win over the default")

	f.sel.WithProxies(proxies.NewMemoryPool(&proxies.Slot{ID: "p1", Host: "10.0.0.1", Port: 3128, Username: "u", Password: "secret"}))
	res = f.selectDefault(t, Options{})
	require.True(t, res.OK)
	assert.Equal(t, "http://10.0.0.1:3128", res.Summary.Proxy)
	assert.Equal(t, "secret", res.Config.Proxy.Password)

	f.sel.WithProxies(proxies.NewMemoryPool())
	assert.Equal(t, ReasonNoProxyAvailable, f.selectDefault(t, Options{}).Reason)
}

func TestSelect_ProxyUseCountedOnlyOnSuccess(t *testing.T) {
	f := newFixture(t)
	f.account(t, accounts.Account{ID: "a1", Enabled: true})
	f.session(t, accounts.Session{ID: "bad", AccountID: "a1", Status: accounts.StatusOK, IsActive: true,
		EncryptedCookies: []byte("definitely not a sealed blob at all")})
	pool := proxies.NewMemoryPool(&proxies.Slot{ID: "p1", Host: "10.0.0.1", Port: 3128})
	f.sel.WithProxies(pool).WithRequireProxy(true)

	res := f.selectDefault(t, Options{})
	assert.Equal(t, ReasonAllSessionsInvalid, res.Reason)
	assert.Zero(t, pool.Usage("p1"), "decrypt failure must not count a proxy use")

	f.session(t, accounts.Session{ID: "good", AccountID: "a1", Status: accounts.StatusOK, IsActive: true})
	res = f.selectDefault(t, Options{DryRun: true})
	require.True(t, res.OK)
	assert.Equal(t, "http://10.0.0.1:3128", res.Summary.Proxy)
	assert.Zero(t, pool.Usage("p1"), "dry run must not count a proxy use")

	res = f.selectDefault(t, Options{})
	require.True(t, res.OK)
	assert.Equal(t, int64(1), pool.Usage("p1"))
}

func TestSelect_DecryptFailureQuarantinesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, accounts.Account{ID: "a1", Enabled: true})
	f.session(t, accounts.Session{ID: "bad", AccountID: "a1", Status: accounts.StatusOK, IsActive: true,
		LastSyncAt: now.Add(-time.Minute), EncryptedCookies: []byte("definitely not a sealed blob at all")})
	f.session(t, accounts.Session{ID: "good", AccountID: "a1", Status: accounts.StatusStale, IsActive: true})

	res := f.selectDefault(t, Options{})
	assert.False(t, res.OK)
	assert.Equal(t, ReasonAllSessionsInvalid, res.Reason)

	bad, _ := f.store.GetSession(ctx, "bad")
	assert.Equal(t, accounts.StatusInvalid, bad.Status)
	assert.Equal(t, ReasonDecryptFailed, bad.StatusReason)

	events, _ := f.audit.List(ctx, audit.Filter{Type: audit.TypeSessionDecryptFailed})
	require.Len(t, events, 1)
	assert.Equal(t, "bad", events[0].SessionID)

	res = f.selectDefault(t, Options{})
	require.True(t, res.OK)
	assert.Equal(t, "good", res.Summary.SessionID)
}

type brokenDecrypter struct{}

func (brokenDecrypter) Decrypt(context.Context, []byte) ([]cookiecrypt.Cookie, error) {
	return nil, errors.New("kms unreachable")
}

func TestSelect_DecrypterOutageIsAnError(t *testing.T) {
	f := newFixture(t)
	f.account(t, accounts.Account{ID: "a1", Enabled: true})
	f.session(t, accounts.Session{ID: "s1", AccountID: "a1", Status: accounts.StatusOK, IsActive: true})
	sel := New(f.store, brokenDecrypter{}, logging.Discard())

	_, err := sel.Select(context.Background(), "u1", Options{})
	require.Error(t, err)
	s, _ := f.store.GetSession(context.Background(), "s1")
	assert.Equal(t, accounts.StatusOK, s.Status)
}

func TestSetPreferredAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, accounts.Account{ID: "a1", Enabled: true, IsPreferred: true})
	f.account(t, accounts.Account{ID: "a2", Enabled: true})
	f.account(t, accounts.Account{ID: "x1", UserID: "u2", Enabled: true})

	assert.ErrorIs(t, f.sel.SetPreferredAccount(ctx, "u1", "x1"), accounts.ErrAccountNotFound)
	assert.ErrorIs(t, f.sel.SetPreferredAccount(ctx, "u1", "ghost"), accounts.ErrAccountNotFound)

	require.NoError(t, f.sel.SetPreferredAccount(ctx, "u1", "a2"))
	accts, _ := f.store.ListAccounts(ctx, "u1", false)
	preferred := 0
	for _, a := range accts {
		if a.IsPreferred {
			preferred++
			assert.Equal(t, "a2", a.ID)
		}
	}
	assert.Equal(t, 1, preferred)
}
