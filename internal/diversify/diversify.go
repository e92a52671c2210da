// Package diversify varies the shape of outgoing search queries so that
// repeated runs of the same target do not look identical.
//
// Everything here is pure: the same TargetContext always yields the same
// variant.
package diversify

import (
	"strings"

	"github.com/mbd888/crawlpilot/internal/config"
	"github.com/mbd888/crawlpilot/internal/targets"
)

// TextFormat is how a keyword is rendered into query text.
type TextFormat string

const (
	FormatRaw       TextFormat = "raw"
	FormatHashtag   TextFormat = "hashtag"
	FormatSynonym   TextFormat = "synonym"
	FormatMinusSpam TextFormat = "minus_spam"
	// FormatFrom is the fixed shape of account targets.
	FormatFrom TextFormat = "from"
)

// Safety classifies how conspicuous a variant is.
type Safety string

const (
	SafetySafe       Safety = "safe"
	SafetyNormal     Safety = "normal"
	SafetyAggressive Safety = "aggressive"
)

// Sort order requested from the platform.
type Sort string

const (
	SortTop    Sort = "top"
	SortLatest Sort = "latest"
)

// LanguageAny means no language filter.
const LanguageAny = "any"

// Variant is one concrete query shape.
type Variant struct {
	ID             string     `json:"id"`
	Query          string     `json:"query"`
	TextFormat     TextFormat `json:"textFormat"`
	Sort           Sort       `json:"sort"`
	Language       string     `json:"language"`
	Window         string     `json:"window"`
	IncludeReplies bool       `json:"includeReplies"`
	Weight         float64    `json:"weight"`
	SafetyLevel    Safety     `json:"safetyLevel"`
}

// TargetContext is the input of SelectVariant.
type TargetContext struct {
	Type          targets.Type    `json:"type"`
	Value         string          `json:"value"`
	RunCount      int             `json:"runCount"`
	QualityStatus targets.Quality `json:"qualityStatus"`
	LastVariantID string          `json:"lastVariantId,omitempty"`
}

// ContextFor builds the context of a stored target.
func ContextFor(t *targets.Target) TargetContext {
	return TargetContext{
		Type:          t.Type,
		Value:         t.Value,
		RunCount:      t.RunCount,
		QualityStatus: t.QualityStatus,
		LastVariantID: t.LastVariantID,
	}
}

type template struct {
	name           string
	sort           Sort
	language       string
	window         string
	includeReplies bool
	safety         Safety
	weight         float64
}

var keywordTemplates = []template{
	{"top_en_week", SortTop, "en", "7d", false, SafetyNormal, 1.0},
	{"top_en_day", SortTop, "en", "1d", false, SafetyNormal, 0.9},
	{"latest_any_day", SortLatest, LanguageAny, "1d", false, SafetySafe, 0.85},
	{"top_any_month", SortTop, LanguageAny, "30d", false, SafetySafe, 0.8},
	{"latest_en_day_replies", SortLatest, "en", "1d", true, SafetyAggressive, 0.7},
	{"latest_any_hour_replies", SortLatest, LanguageAny, "1h", true, SafetyAggressive, 0.6},
}

var accountTemplates = []template{
	{"day", SortLatest, LanguageAny, "1d", false, SafetySafe, 1.0},
	{"week", SortLatest, LanguageAny, "7d", false, SafetyNormal, 1.0},
	{"month", SortLatest, LanguageAny, "30d", false, SafetySafe, 1.0},
	{"day_replies", SortLatest, LanguageAny, "1d", true, SafetyAggressive, 1.0},
}

// Weight decay per text format.
var formatFactor = map[TextFormat]float64{
	FormatRaw:       1.0,
	FormatHashtag:   0.85,
	FormatSynonym:   0.7,
	FormatMinusSpam: 0.6,
}

// DefaultSynonyms are used when configuration supplies none. Keys are
// lower case.
var DefaultSynonyms = map[string]string{
	"ai":                      "artificial intelligence",
	"artificial intelligence": "ai",
	"crypto":                  "cryptocurrency",
	"ml":                      "machine learning",
	"machine learning":        "ml",
	"golang":                  "go programming",
	"js":                      "javascript",
	"javascript":              "js",
	"nft":                     "non-fungible token",
	"web3":                    "decentralized web",
}

// DefaultSpamTerms are excluded by the minus_spam format.
var DefaultSpamTerms = []string{"giveaway", "airdrop", "promo", "follow4follow"}

// Engine generates and rotates query variants.
type Engine struct {
	synonyms  map[string]string
	spamTerms []string
}

// New creates an engine. Configured synonyms are merged over the defaults;
// configured spam terms replace them.
func New(cfg config.DiversifyConfig) *Engine {
	syn := make(map[string]string, len(DefaultSynonyms)+len(cfg.Synonyms))
	for k, v := range DefaultSynonyms {
		syn[k] = v
	}
	for k, v := range cfg.Synonyms {
		syn[strings.ToLower(strings.TrimSpace(k))] = v
	}
	spam := DefaultSpamTerms
	if len(cfg.SpamTerms) > 0 {
		spam = cfg.SpamTerms
	}
	return &Engine{synonyms: syn, spamTerms: append([]string(nil), spam...)}
}

// Candidates returns every variant for the target, unfiltered, in
// canonical order. Hashtag targets share the keyword variants with the
// hashtag form leading.
func (e *Engine) Candidates(tc TargetContext) []Variant {
	switch tc.Type {
	case targets.TypeAccount:
		return accountVariants(tc.Value)
	case targets.TypeHashtag:
		return e.keywordVariants(strings.TrimSpace(strings.TrimPrefix(tc.Value, "#")), true)
	}
	return e.keywordVariants(strings.TrimSpace(tc.Value), false)
}

func (e *Engine) keywordVariants(keyword string, hashtagFirst bool) []Variant {
	type form struct {
		format TextFormat
		text   string
	}
	forms := []form{
		{FormatRaw, keyword},
		{FormatHashtag, hashtag(keyword)},
	}
	if hashtagFirst {
		forms[0], forms[1] = forms[1], forms[0]
	}
	if syn, ok := e.synonyms[strings.ToLower(keyword)]; ok && syn != "" {
		forms = append(forms, form{FormatSynonym, "(" + keyword + " OR " + syn + ")"})
	}
	forms = append(forms, form{FormatMinusSpam, e.minusSpam(keyword)})

	out := make([]Variant, 0, len(forms)*len(keywordTemplates))
	for _, f := range forms {
		for _, t := range keywordTemplates {
			out = append(out, Variant{
				ID:             "kw:" + string(f.format) + ":" + t.name,
				Query:          buildQuery(f.text, t),
				TextFormat:     f.format,
				Sort:           t.sort,
				Language:       t.language,
				Window:         t.window,
				IncludeReplies: t.includeReplies,
				Weight:         t.weight * formatFactor[f.format],
				SafetyLevel:    t.safety,
			})
		}
	}
	return out
}

func accountVariants(handle string) []Variant {
	base := "from:" + strings.TrimPrefix(strings.TrimSpace(handle), "@")
	out := make([]Variant, 0, len(accountTemplates))
	for _, t := range accountTemplates {
		out = append(out, Variant{
			ID:             "acct:" + t.name,
			Query:          buildQuery(base, t),
			TextFormat:     FormatFrom,
			Sort:           t.sort,
			Language:       t.language,
			Window:         t.window,
			IncludeReplies: t.includeReplies,
			Weight:         t.weight,
			SafetyLevel:    t.safety,
		})
	}
	return out
}

func (e *Engine) minusSpam(keyword string) string {
	var b strings.Builder
	b.WriteString(keyword)
	for _, term := range e.spamTerms {
		b.WriteString(" -")
		b.WriteString(term)
	}
	return b.String()
}

func hashtag(keyword string) string {
	return "#" + strings.Join(strings.Fields(strings.TrimPrefix(keyword, "#")), "")
}

func buildQuery(text string, t template) string {
	q := text
	if t.language != "" && t.language != LanguageAny {
		q += " lang:" + t.language
	}
	if !t.includeReplies {
		q += " -filter:replies"
	}
	return q
}

// allowed reports whether v may be used at quality q.
func allowed(v Variant, q targets.Quality) bool {
	switch q {
	case targets.QualityUnstable:
		return v.SafetyLevel == SafetySafe
	case targets.QualityDegraded:
		return v.SafetyLevel != SafetyAggressive
	default:
		return true
	}
}

// SelectVariant picks the variant for the next run: the runCount-th allowed
// candidate, skipping one ahead if that would repeat the last run. It
// never returns an empty variant.
func (e *Engine) SelectVariant(tc TargetContext) Variant {
	return pick(e.Candidates(tc), tc)
}

func pick(all []Variant, tc TargetContext) Variant {
	filtered := make([]Variant, 0, len(all))
	for _, v := range all {
		if allowed(v, tc.QualityStatus) {
			filtered = append(filtered, v)
		}
	}
	if len(filtered) == 0 {
		for _, v := range all {
			if v.SafetyLevel == SafetySafe {
				return v
			}
		}
		return all[0]
	}

	n := len(filtered)
	i := tc.RunCount % n
	if i < 0 {
		i += n
	}
	if n > 1 && filtered[i].ID == tc.LastVariantID {
		i = (i + 1) % n
	}
	return filtered[i]
}
