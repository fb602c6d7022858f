package temporal

import (
	"context"
	"iter"
	"sort"
	"time"
)

// EventType classifies a timeline change event.
type EventType string

const (
	// EventCreated marks the first version of a key, or a reopen after an
	// explicit invalidation.
	EventCreated EventType = "created"
	// EventUpdated marks a version that atomically replaced its predecessor.
	EventUpdated EventType = "updated"
	// EventInvalidated marks an explicit close without replacement.
	EventInvalidated EventType = "invalidated"
)

// Event is one reconstructed change in a subject's history.
type Event struct {
	Type EventType
	At   time.Time
	Fact Fact
}

// Timeline returns a lazy, finite, restartable sequence of change events for
// every predicate of subject, ordered by timestamp. Events are not stored;
// they are reconstructed from the valid_from/valid_to transitions of the
// version chains. Each range over the sequence re-reads the ledger.
func (s *Store) Timeline(ctx context.Context, subject, userID string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		rows, err := s.db.SQL().QueryContext(ctx, `
			SELECT id, user_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata
			FROM temporal_facts
			WHERE user_id = ? AND subject = ?
			ORDER BY predicate, valid_from`,
			normalizeUser(userID), subject,
		)
		if err != nil {
			yield(Event{}, err)
			return
		}
		facts, err := scanFacts(rows)
		rows.Close()
		if err != nil {
			yield(Event{}, err)
			return
		}

		events := reconstructEvents(facts)
		for _, ev := range events {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// reconstructEvents derives change events from version chains. facts must be
// ordered by (predicate, valid_from).
func reconstructEvents(facts []Fact) []Event {
	var events []Event

	chainStart := 0
	for i := 1; i <= len(facts); i++ {
		if i < len(facts) && facts[i].Predicate == facts[chainStart].Predicate {
			continue
		}
		events = append(events, chainEvents(facts[chainStart:i])...)
		chainStart = i
	}

	sort.SliceStable(events, func(a, b int) bool {
		if !events[a].At.Equal(events[b].At) {
			return events[a].At.Before(events[b].At)
		}
		return events[a].Fact.Predicate < events[b].Fact.Predicate
	})
	return events
}

func chainEvents(chain []Fact) []Event {
	var events []Event
	for i, v := range chain {
		typ := EventUpdated
		if i == 0 {
			typ = EventCreated
		} else if prev := chain[i-1]; prev.ValidTo != nil && !prev.ValidTo.Equal(v.ValidFrom) {
			// A gap before this version means the key was explicitly
			// invalidated and later reopened.
			typ = EventCreated
		}
		events = append(events, Event{Type: typ, At: v.ValidFrom, Fact: v})

		// A close that no successor starts at is an explicit invalidation.
		if v.ValidTo != nil {
			closedWithoutSuccessor := i == len(chain)-1 || !chain[i+1].ValidFrom.Equal(*v.ValidTo)
			if closedWithoutSuccessor {
				events = append(events, Event{Type: EventInvalidated, At: *v.ValidTo, Fact: v})
			}
		}
	}
	return events
}
