package selector

import (
	"sort"
	"time"

	"github.com/mbd888/crawlpilot/internal/accounts"
)

// candidate is one (account, best session) pair.
type candidate struct {
	account *accounts.Account
	session *accounts.Session
}

// sessionTier groups sessions for BestSession. -1 means never selectable.
func sessionTier(s *accounts.Session) int {
	if !s.IsActive {
		return -1
	}
	switch s.Status {
	case accounts.StatusOK:
		return 0
	case accounts.StatusStale:
		return 1
	case accounts.StatusInvalid, accounts.StatusExpired:
		return -1
	default:
		return 2
	}
}

// BestSession returns the account's most usable session, or nil. Active ok
// sessions win over active stale ones, which win over any other active
// session that is neither invalid nor expired. Within a tier the freshest
// sync wins, then the lowest risk, then the smallest id.
func BestSession(sessions []*accounts.Session) *accounts.Session {
	var best *accounts.Session
	bestTier := -1
	for _, s := range sessions {
		tier := sessionTier(s)
		if tier < 0 {
			continue
		}
		if best == nil || tier < bestTier || (tier == bestTier && fresherSession(s, best)) {
			best, bestTier = s, tier
		}
	}
	return best
}

func fresherSession(a, b *accounts.Session) bool {
	if !a.LastSyncAt.Equal(b.LastSyncAt) {
		return a.LastSyncAt.After(b.LastSyncAt)
	}
	if a.RiskScore != b.RiskScore {
		return a.RiskScore < b.RiskScore
	}
	return a.ID < b.ID
}

// rankCandidates sorts in place, best first. The order is total, so the
// result does not depend on input order.
func rankCandidates(cs []candidate, mode Mode) {
	sort.Slice(cs, func(i, j int) bool {
		return better(cs[i], cs[j], mode)
	})
}

func better(a, b candidate, mode Mode) bool {
	if ra, rb := a.session.Status.Rank(), b.session.Status.Rank(); ra != rb {
		return ra < rb
	}
	if mode == ModeManual && a.account.IsPreferred != b.account.IsPreferred {
		return a.account.IsPreferred
	}
	if a.session.RiskScore != b.session.RiskScore {
		return a.session.RiskScore < b.session.RiskScore
	}
	if !a.session.LastSyncAt.Equal(b.session.LastSyncAt) {
		return a.session.LastSyncAt.After(b.session.LastSyncAt)
	}
	if a.session.AvgLatencyMs != b.session.AvgLatencyMs {
		return a.session.AvgLatencyMs < b.session.AvgLatencyMs
	}
	if a.account.Priority != b.account.Priority {
		return a.account.Priority > b.account.Priority
	}
	if a.account.ID != b.account.ID {
		return a.account.ID < b.account.ID
	}
	return a.session.ID < b.session.ID
}

// Hint thresholds.
const (
	safeRiskAbove       = 50
	recentAbortWindow   = 30 * time.Minute
	aggressiveLatencyMs = 1500
	aggressiveRiskBelow = 20
)

// DeriveHint picks a diversification hint from the session's telemetry.
func DeriveHint(s *accounts.Session, now time.Time) Hint {
	if s.RiskScore > safeRiskAbove {
		return HintSafe
	}
	if !s.LastAbortAt.IsZero() && now.Sub(s.LastAbortAt) < recentAbortWindow {
		return HintSafe
	}
	if s.AvgLatencyMs < aggressiveLatencyMs && s.RiskScore < aggressiveRiskBelow {
		return HintAggressive
	}
	return HintNormal
}

// classify explains why no candidate survived. Inactive sessions that are
// not expired (superseded by a later sync) do not count toward live.
func classify(total, live, expired int) FailureReason {
	switch {
	case total == 0:
		return ReasonNoSessions
	case live > 0 && expired == live:
		return ReasonSessionExpired
	default:
		return ReasonAllSessionsInvalid
	}
}
