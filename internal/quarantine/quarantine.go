// Package quarantine implements the node blacklist: a TTL-based
// exclusion list persisted as blacklist.json alongside the runs
// directory, grounded on original_source/shepherd/blacklist.py.
package quarantine

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/clusterops/shepherd/internal/model"
	"github.com/clusterops/shepherd/internal/store"
)

// DefaultLimit caps how many nodes ExcludeList returns, matching
// constants.DEFAULT_BLACKLIST_LIMIT.
const DefaultLimit = 64

const blacklistFile = "blacklist.json"

// List manages the blacklist document for one store.
type List struct {
	s *store.Store
}

// New returns a List backed by s.
func New(s *store.Store) *List {
	return &List{s: s}
}

// Event records a single add/remove action, tagged with a correlation id.
// The supervisor appends the Event of each failure-driven quarantine to
// the run's badnode_events.log.
type Event struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Node   string `json:"node"`
	Reason string `json:"reason,omitempty"`
	At     int64  `json:"at"`
}

func (l *List) load() (model.Quarantine, error) {
	var q model.Quarantine
	v, err := l.s.ReadRootJSON(blacklistFile, &q)
	if err != nil {
		return model.Quarantine{}, err
	}
	if v.Status != store.OK || q.Nodes == nil {
		q.Nodes = map[string]model.QuarantineEntry{}
	}
	return q, nil
}

func (l *List) save(q model.Quarantine, now time.Time) error {
	q.UpdatedAt = now.Unix()
	return l.s.WriteRootJSON(blacklistFile, q)
}

// Add quarantines node, optionally expiring after ttl (zero means never).
// It returns an Event describing the action, for the caller to log.
func (l *List) Add(node string, ttl time.Duration, reason string, now time.Time) (Event, error) {
	q, err := l.load()
	if err != nil {
		return Event{}, err
	}
	entry := model.QuarantineEntry{
		AddedAt: now.Unix(),
		Reason:  reason,
	}
	if ttl > 0 {
		exp := now.Add(ttl).Unix()
		entry.ExpiresAt = &exp
	}
	q.Nodes[node] = entry
	if err := l.save(q, now); err != nil {
		return Event{}, err
	}
	return Event{ID: uuid.NewString(), Action: "add", Node: node, Reason: reason, At: now.Unix()}, nil
}

// Remove un-quarantines node if present; removing an absent node is not
// an error.
func (l *List) Remove(node string, now time.Time) (Event, error) {
	q, err := l.load()
	if err != nil {
		return Event{}, err
	}
	if _, ok := q.Nodes[node]; ok {
		delete(q.Nodes, node)
		if err := l.save(q, now); err != nil {
			return Event{}, err
		}
	}
	return Event{ID: uuid.NewString(), Action: "remove", Node: node, At: now.Unix()}, nil
}

// PruneExpired removes nodes whose TTL has elapsed as of now, persisting
// the result if anything changed.
func (l *List) PruneExpired(now time.Time) error {
	q, err := l.load()
	if err != nil {
		return err
	}
	changed := false
	for node, entry := range q.Nodes {
		if entry.ExpiresAt != nil && *entry.ExpiresAt <= now.Unix() {
			delete(q.Nodes, node)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return l.save(q, now)
}

// ExcludeList returns the currently-quarantined node names, pruned of
// expired entries first, sorted, and capped at limit (zero means
// DefaultLimit; negative means unlimited).
func (l *List) ExcludeList(limit int, now time.Time) ([]string, error) {
	if err := l.PruneExpired(now); err != nil {
		return nil, err
	}
	q, err := l.load()
	if err != nil {
		return nil, err
	}
	nodes := make([]string, 0, len(q.Nodes))
	for node := range q.Nodes {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}
	return nodes, nil
}

// IsQuarantined reports whether node currently appears in the blacklist
// (without pruning first, for call sites on a hot path that already
// pruned recently).
func (l *List) IsQuarantined(node string, now time.Time) (bool, error) {
	q, err := l.load()
	if err != nil {
		return false, err
	}
	entry, ok := q.Nodes[node]
	if !ok {
		return false, nil
	}
	if entry.ExpiresAt != nil && *entry.ExpiresAt <= now.Unix() {
		return false, nil
	}
	return true, nil
}
