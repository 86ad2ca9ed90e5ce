package analyzer

import (
	"fmt"
	"strings"
	"time"

	"github.com/quantumlife/ponder/internal/core"
)

// HighStakes is the risk predicate that mandates a top-tier review
type HighStakes struct {
	AmountCeiling  float64       // amounts strictly above this are high stakes; 0 disables
	DeadlineWindow time.Duration // deadlines this close to the event are high stakes; 0 disables
	VIPSenders     []string      // addresses or display names, case-insensitive
}

// Check reports whether ev, together with what the passes extracted so
// far, is high stakes, and why.
func (h HighStakes) Check(ev *core.PerceivedEvent, history []core.PassResult) (bool, []string) {
	var reasons []string

	if h.AmountCeiling > 0 {
		amounts := append([]float64(nil), ev.Hints.Amounts...)
		eachExtraction(history, func(x core.Extraction) {
			if x.Amount > 0 {
				amounts = append(amounts, x.Amount)
			}
		})
		for _, a := range amounts {
			if a > h.AmountCeiling {
				reasons = append(reasons, fmt.Sprintf("amount %.2f above ceiling %.2f", a, h.AmountCeiling))
				break
			}
		}
	}

	if h.DeadlineWindow > 0 {
		deadlines := append([]time.Time(nil), ev.Hints.Deadlines...)
		eachExtraction(history, func(x core.Extraction) {
			if x.Type == core.ExtractionDeadline && x.Date != nil {
				deadlines = append(deadlines, *x.Date)
			}
		})
		for _, d := range deadlines {
			if h.deadlineNear(ev.Timestamp, d) {
				reasons = append(reasons, fmt.Sprintf("deadline %s within %s", d.Format("2006-01-02"), h.DeadlineWindow))
				break
			}
		}
	}

	if h.isVIP(ev) {
		reasons = append(reasons, "sender is a VIP")
	}

	return len(reasons) > 0, reasons
}

// deadlineNear treats date-only deadlines on the event's own day as near:
// a deadline up to a day before the event timestamp still counts.
func (h HighStakes) deadlineNear(at, deadline time.Time) bool {
	if at.IsZero() || deadline.IsZero() {
		return false
	}
	d := deadline.Sub(at)
	return d > -24*time.Hour && d <= h.DeadlineWindow
}

func (h HighStakes) isVIP(ev *core.PerceivedEvent) bool {
	sender := strings.TrimSpace(ev.Sender)
	name := strings.TrimSpace(ev.SenderName)
	for _, v := range h.VIPSenders {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.EqualFold(v, sender) || (name != "" && strings.EqualFold(v, name)) {
			return true
		}
	}
	return false
}

func eachExtraction(history []core.PassResult, fn func(core.Extraction)) {
	for i := range history {
		if !history[i].Usable() {
			continue
		}
		for _, x := range history[i].Extractions {
			fn(x)
		}
	}
}
