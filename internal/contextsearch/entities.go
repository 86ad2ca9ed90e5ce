package contextsearch

import (
	"strconv"
	"strings"
	"time"

	"github.com/quantumlife/ponder/internal/core"
)

// DateLayout is the layout date entities are written in
const DateLayout = "2006-01-02"

// DeriveEntities collects the structured values to search by: target note
// names, extraction entities, amounts and dates from the usable passes (most
// recent first), the sender identity and the normalizer hints. The raw body
// is never searched.
func DeriveEntities(event *core.PerceivedEvent, history []core.PassResult) []core.Entity {
	var out []core.Entity
	seen := make(map[string]bool)
	add := func(kind core.EntityKind, value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		e := core.Entity{Kind: kind, Value: value}
		k := e.Key()
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, e)
	}

	for i := len(history) - 1; i >= 0; i-- {
		p := &history[i]
		if !p.Usable() {
			continue
		}
		for _, x := range p.Extractions {
			if x.Type == core.ExtractionUnparsed {
				continue
			}
			if x.TargetNote != "" {
				add(kindForTarget(x.TargetType), x.TargetNote)
			}
			for _, e := range x.Entities {
				add(e.Kind, e.Value)
			}
			if x.Amount > 0 {
				add(core.EntityAmount, FormatAmount(x.Amount))
			}
			if x.Date != nil && !x.Date.IsZero() {
				add(core.EntityDate, x.Date.UTC().Format(DateLayout))
			}
		}
	}

	if event != nil {
		add(core.EntityEmail, strings.ToLower(event.Sender))
		add(core.EntityPerson, event.SenderName)
		add(core.EntityProject, event.Hints.Project)
		for _, a := range event.Hints.Amounts {
			if a > 0 {
				add(core.EntityAmount, FormatAmount(a))
			}
		}
		for _, d := range event.Hints.Deadlines {
			if !d.IsZero() {
				add(core.EntityDate, d.UTC().Format(DateLayout))
			}
		}
	}
	return out
}

func kindForTarget(targetType string) core.EntityKind {
	switch core.Fold(targetType) {
	case "person", "people", "contact":
		return core.EntityPerson
	case "organization", "organisation", "company", "org":
		return core.EntityOrganization
	case "project":
		return core.EntityProject
	case "place", "location":
		return core.EntityPlace
	default:
		return core.EntityTopic
	}
}

// FormatAmount renders an amount the way amount entities carry it
func FormatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// ParseAmount reads an amount entity value
func ParseAmount(s string) (float64, bool) {
	s = strings.NewReplacer(",", "", "$", "", "€", "", "£", "").Replace(strings.TrimSpace(s))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseDate reads a date entity value (DateLayout or RFC 3339)
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
