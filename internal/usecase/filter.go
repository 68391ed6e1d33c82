package usecase

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"

	"NewsPipeline/internal/domain"
)

// Rejection reasons stored on screened-out items.
const (
	ReasonSourceDisabled = "source disabled"
	ReasonNoKeyword      = "no keyword match"
	ReasonNotIncluded    = "source not in include list"
	ReasonExcluded       = "source excluded"
	ReasonLanguage       = "language mismatch"
)

// UnknownLanguage is reported for text too short to classify.
const UnknownLanguage = "unknown"

const shortKeywordRunes = 3

// Decision is the outcome of screening one item.
type Decision struct {
	Accept bool
	Reason string
}

// FilterPolicy holds the optional screening rules on top of keywords.
// Sources are matched by id or by name, case-insensitively.
type FilterPolicy struct {
	// Language is an ISO 639-1 code; empty accepts any language.
	Language       string
	IncludeSources []string
	ExcludeSources []string
}

// Screen applies the relevance rules to item against a registry snapshot.
// Checks run in order: source state, language, include list, exclude list, keywords.
func Screen(item domain.NewsItem, snap domain.Snapshot, policy FilterPolicy) Decision {
	src, ok := snap.Source(item.SourceID)
	if !ok || !src.Enabled {
		return Decision{Reason: ReasonSourceDisabled}
	}
	if want := strings.ToLower(strings.TrimSpace(policy.Language)); want != "" {
		if got := DetectLanguage(item.Title + " " + item.Body); got != want {
			return Decision{Reason: ReasonLanguage + ": " + got + ", want " + want}
		}
	}
	if len(policy.IncludeSources) > 0 && !matchesSource(src, policy.IncludeSources) {
		return Decision{Reason: ReasonNotIncluded}
	}
	if matchesSource(src, policy.ExcludeSources) {
		return Decision{Reason: ReasonExcluded}
	}
	if !IsRelevant(item, snap.Keywords) {
		return Decision{Reason: ReasonNoKeyword}
	}
	return Decision{Accept: true}
}

// DetectLanguage returns the ISO 639-1 code of text or UnknownLanguage.
func DetectLanguage(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < 3 {
		return UnknownLanguage
	}
	code := whatlanggo.Detect(text).Lang.Iso6391()
	if code == "" {
		return UnknownLanguage
	}
	return code
}

func matchesSource(src domain.Source, refs []string) bool {
	return slices.ContainsFunc(refs, func(ref string) bool {
		ref = strings.TrimSpace(ref)
		return ref == src.ID || (ref != "" && strings.EqualFold(ref, src.Name))
	})
}

// IsRelevant matches any keyword case-insensitively against title and body.
// Keywords of up to three runes must match a whole token; longer ones match as substrings.
// An empty keyword set accepts everything.
func IsRelevant(item domain.NewsItem, keywords []string) bool {
	active := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			active = append(active, k)
		}
	}
	if len(active) == 0 {
		return true
	}

	text := strings.ToLower(item.Title + "\n" + item.Body)
	var tokens map[string]struct{}

	for _, k := range active {
		if utf8.RuneCountInString(k) > shortKeywordRunes || strings.ContainsFunc(k, isSeparator) {
			if strings.Contains(text, k) {
				return true
			}
			continue
		}
		if tokens == nil {
			tokens = tokenSet(text)
		}
		if _, ok := tokens[k]; ok {
			return true
		}
	}
	return false
}

func tokenSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, tok := range strings.FieldsFunc(text, isSeparator) {
		set[tok] = struct{}{}
	}
	return set
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
