package ai

import (
	"time"

	"github.com/longregen/parley/internal/domain"
)

// BuildPrev selects the engine's previous-queries window from
// conversation history: the last humanMax human text messages and the
// last aiMax AI responses, in chronological order. Messages from every
// human participant are eligible; the inbound message itself never is,
// so the engine sees it exactly once as the query.
func BuildPrev(history []*domain.Message, inboundID string, humanMax, aiMax int) []PrevQuery {
	humans, ais := 0, 0
	selected := make([]*domain.Message, 0, humanMax+aiMax)
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.ID == inboundID {
			continue
		}
		switch {
		case m.Sender.Kind == domain.KindHuman && m.Kind == domain.MessageKindText:
			if humans >= humanMax {
				continue
			}
			humans++
		case m.Kind == domain.MessageKindAIResponse:
			if ais >= aiMax {
				continue
			}
			ais++
		default:
			continue
		}
		selected = append(selected, m)
		if humans >= humanMax && ais >= aiMax {
			break
		}
	}

	// selected is newest-first; emit oldest-first.
	out := make([]PrevQuery, 0, len(selected))
	for i := len(selected) - 1; i >= 0; i-- {
		m := selected[i]
		out = append(out, PrevQuery{
			QueryText:     m.Content,
			ParticipantID: m.Sender.ID,
			TimestampISO:  m.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}
