package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-go-golems/jiminy/pkg/chat"
)

// ContextPolicy tunes how the bounded prompt is assembled. The "longest
// substantive older turn" heuristic is a policy knob, not a correctness
// requirement.
type ContextPolicy struct {
	// MaxHistory is N: with at most N prior turns the full history is
	// included unchanged; above it, selection kicks in.
	MaxHistory int
	// RecentWindow is how many of the most recent turns are always included
	// verbatim, in order.
	RecentWindow int
	// MinSubstantive is the content length above which an older turn is
	// preferred when filling the remaining budget.
	MinSubstantive int
}

func (p ContextPolicy) withDefaults() ContextPolicy {
	if p.MaxHistory <= 0 {
		p.MaxHistory = 6
	}
	if p.RecentWindow <= 0 {
		p.RecentWindow = 4
	}
	if p.RecentWindow > p.MaxHistory {
		p.RecentWindow = p.MaxHistory
	}
	if p.MinSubstantive <= 0 {
		p.MinSubstantive = 50
	}
	return p
}

const personaInstructions = "Always stay in character. Never break character, and never reveal that you are an AI."

// PersonaSystemTurn renders the in-character system preamble for a persona.
func PersonaSystemTurn(p chat.Persona) chat.Turn {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", p.Name)
	if strings.TrimSpace(p.Description) != "" {
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(p.Description))
	}
	b.WriteString("\n")
	b.WriteString(personaInstructions)
	return chat.Turn{Role: chat.RoleSystem, Content: b.String()}
}

// SummarySystemTurn renders the rolling-summary system preamble.
func SummarySystemTurn(summary string) chat.Turn {
	return chat.Turn{Role: chat.RoleSystem, Content: "Conversation summary: " + summary}
}

// BuildContextWindow assembles the bounded prompt for one generation. Pure
// function of its inputs: persona preamble, summary preamble, a
// recency-biased history subset, then the new user turn last.
func BuildContextWindow(history []chat.Message, persona *chat.Persona, summary string, userText string, pol ContextPolicy) []chat.Turn {
	pol = pol.withDefaults()
	out := make([]chat.Turn, 0, len(history)+3)
	if persona != nil {
		out = append(out, PersonaSystemTurn(*persona))
	}
	if strings.TrimSpace(summary) != "" {
		out = append(out, SummarySystemTurn(summary))
	}
	out = append(out, selectHistory(history, pol)...)
	out = append(out, chat.Turn{Role: chat.RoleUser, Content: userText})
	return out
}

// selectHistory picks the history subset: everything when it fits, otherwise
// the most recent RecentWindow turns plus the longest older turns, all in
// chronological order. Longer older turns carry more information per
// budgeted slot.
func selectHistory(history []chat.Message, pol ContextPolicy) []chat.Turn {
	if len(history) <= pol.MaxHistory {
		return turnsFromMessages(history)
	}

	recentStart := len(history) - pol.RecentWindow
	budget := pol.MaxHistory - pol.RecentWindow

	older := make([]int, 0, recentStart)
	for i := 0; i < recentStart; i++ {
		older = append(older, i)
	}
	sort.SliceStable(older, func(a, b int) bool {
		la, lb := len(history[older[a]].Content), len(history[older[b]].Content)
		sa, sb := la > pol.MinSubstantive, lb > pol.MinSubstantive
		if sa != sb {
			return sa
		}
		return la > lb
	})
	if budget > len(older) {
		budget = len(older)
	}
	chosen := append([]int(nil), older[:budget]...)
	sort.Ints(chosen)

	out := make([]chat.Turn, 0, budget+pol.RecentWindow)
	for _, i := range chosen {
		out = append(out, turnFromMessage(history[i]))
	}
	out = append(out, turnsFromMessages(history[recentStart:])...)
	return out
}

func turnsFromMessages(msgs []chat.Message) []chat.Turn {
	out := make([]chat.Turn, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, turnFromMessage(m))
	}
	return out
}

func turnFromMessage(m chat.Message) chat.Turn {
	return chat.Turn{Role: m.Role, Content: m.Content}
}
