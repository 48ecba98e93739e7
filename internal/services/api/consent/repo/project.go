package repo

import (
	"sort"

	"hushh/internal/services/api/consent/domain"
)

// LatestPerGroup is the portable projection fallback for drivers that cannot
// express DISTINCT ON. It selects, for each key, the event with the greatest
// (issued_at, id) pair, matching the SQL projections by construction
//
// Events with an empty key are skipped
func LatestPerGroup(events []domain.Event, key func(domain.Event) string) []domain.Event {
	latest := make(map[string]domain.Event)
	for _, ev := range events {
		k := key(ev)
		if k == "" {
			continue
		}
		cur, ok := latest[k]
		if !ok || after(ev, cur) {
			latest[k] = ev
		}
	}

	out := make([]domain.Event, 0, len(latest))
	for _, ev := range latest {
		out = append(out, ev)
	}
	// newest first, like the SQL ORDER BY issued_at DESC
	sort.Slice(out, func(i, j int) bool { return after(out[i], out[j]) })
	return out
}

// after reports whether a sorts strictly later than b in ledger order
func after(a, b domain.Event) bool {
	if a.IssuedAt != b.IssuedAt {
		return a.IssuedAt > b.IssuedAt
	}
	return a.ID > b.ID
}

// ByRequestID keys an event by its request id, when present
func ByRequestID(ev domain.Event) string {
	if ev.RequestID == nil {
		return ""
	}
	return *ev.RequestID
}

// ByScope keys an event by its preserved scope string
func ByScope(ev domain.Event) string { return ev.ScopeStr }
