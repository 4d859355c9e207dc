// Package guard decides what an assistant turn does to the quote draft and
// keeps a session from submitting the same quote twice.
package guard

import (
	"strings"

	"github.com/suPer8Hu/quote-assistant/internal/assistant"
	"github.com/suPer8Hu/quote-assistant/internal/quote"
)

// ClosingPhrases are matched case-insensitively against the reply text when
// the chat endpoint does not send readyToCommit.
var ClosingPhrases = []string{"finalized", "have a great", "good luck"}

// ClarifyPrompt is appended when the assistant wants a review but has not
// produced a draft yet.
const ClarifyPrompt = "Before I can put the quote together I still need a bit more detail. " +
	"Could you share the measurements for each area (length, width and ceiling height) or the approximate square footage?"

type Affordance string

const (
	QuickSave       Affordance = "quick_save"
	ReviewCustomize Affordance = "review_customize"
)

// ManualAffordances are offered whenever a draft may be saved by hand.
var ManualAffordances = []Affordance{QuickSave, ReviewCustomize}

type Decision struct {
	// StoreDraft replaces the session's current draft with Draft.
	StoreDraft bool
	Draft      *quote.Draft

	// Prompt, when set, is appended to the transcript as an assistant entry.
	Prompt string

	AutoCommit bool
	// Fallback marks an auto commit triggered by a closing phrase rather
	// than the readyToCommit flag. Trigger holds the matched phrase.
	Fallback bool
	Trigger  string

	OfferManual bool
}

// Decide evaluates one assistant turn. It does not consult the submission
// state; Submission.Arm does that.
func Decide(r *assistant.TurnReply) Decision {
	if r == nil {
		return Decision{}
	}
	if r.Draft == nil {
		if r.UserWantsReview {
			return Decision{Prompt: ClarifyPrompt}
		}
		return Decision{}
	}

	d := Decision{StoreDraft: true, Draft: r.Draft}
	switch {
	case r.IsComplete:
		d.OfferManual = r.Draft.Actionable()
		if !r.Draft.Actionable() {
			return d
		}
		if r.ReadyToCommit != nil {
			d.AutoCommit = *r.ReadyToCommit
			return d
		}
		if phrase, ok := MatchClosingPhrase(r.Text); ok {
			d.AutoCommit = true
			d.Fallback = true
			d.Trigger = phrase
		}
	case r.UserWantsReview:
		d.OfferManual = true
	default:
		d.OfferManual = r.HasMinimumInfo
	}
	return d
}

// MatchClosingPhrase returns the first closing phrase contained in text.
func MatchClosingPhrase(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, p := range ClosingPhrases {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}
