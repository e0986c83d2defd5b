// Package marking holds the per-case token state and the delta records that
// describe state transitions. Deltas carry absolute values ("set condition X
// to N"), never increments, so replaying a delta log is idempotent. The same
// pure Apply path serves live execution and crash recovery.
package marking

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Marking is the token distribution of one case: a multiset of tokens over
// condition ids, plus the set of tasks that have fired but not yet completed.
type Marking struct {
	// Tokens maps condition id to token count. Counts are never negative;
	// zero-count entries are pruned.
	Tokens map[string]int `json:"tokens"`

	// Busy is the set of tasks that consumed their input tokens but whose
	// work items have not all completed.
	Busy map[string]bool `json:"busy"`
}

// New returns an empty marking.
func New() *Marking {
	return &Marking{
		Tokens: make(map[string]int),
		Busy:   make(map[string]bool),
	}
}

// Copy returns a deep copy.
func (m *Marking) Copy() *Marking {
	out := &Marking{
		Tokens: make(map[string]int, len(m.Tokens)),
		Busy:   make(map[string]bool, len(m.Busy)),
	}
	for k, v := range m.Tokens {
		out.Tokens[k] = v
	}
	for k, v := range m.Busy {
		out.Busy[k] = v
	}
	return out
}

// TokenCount returns the token count for a condition (0 if absent).
func (m *Marking) TokenCount(conditionID string) int {
	return m.Tokens[conditionID]
}

// IsMarked reports whether the condition holds at least one token.
func (m *Marking) IsMarked(conditionID string) bool {
	return m.Tokens[conditionID] > 0
}

// IsBusy reports whether the task has fired but not completed.
func (m *Marking) IsBusy(taskID string) bool {
	return m.Busy[taskID]
}

// TotalTokens returns the sum of all tokens.
func (m *Marking) TotalTokens() int {
	sum := 0
	for _, v := range m.Tokens {
		sum += v
	}
	return sum
}

// MarkedConditions returns the ids of all conditions holding tokens, sorted.
func (m *Marking) MarkedConditions() []string {
	out := make([]string, 0, len(m.Tokens))
	for k, v := range m.Tokens {
		if v > 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// BusyTasks returns the ids of all busy tasks, sorted.
func (m *Marking) BusyTasks() []string {
	out := make([]string, 0, len(m.Busy))
	for k, v := range m.Busy {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Equals reports whether two markings are identical.
func (m *Marking) Equals(other *Marking) bool {
	if len(m.Tokens) != len(other.Tokens) || len(m.Busy) != len(other.Busy) {
		return false
	}
	for k, v := range m.Tokens {
		if other.Tokens[k] != v {
			return false
		}
	}
	for k, v := range m.Busy {
		if other.Busy[k] != v {
			return false
		}
	}
	return true
}

// Hash returns a short deterministic hash of the marking, used for
// reachability state deduplication.
func (m *Marking) Hash() string {
	h := sha256.New()
	buf := make([]byte, 8)
	for _, k := range m.MarkedConditions() {
		h.Write([]byte(k))
		binary.BigEndian.PutUint64(buf, uint64(m.Tokens[k]))
		h.Write(buf)
	}
	h.Write([]byte{0})
	for _, k := range m.BusyTasks() {
		h.Write([]byte(k))
		h.Write([]byte{1})
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:16]
}

// String returns a human-readable representation, e.g. "a:1, b:2 | busy: t1".
func (m *Marking) String() string {
	var parts []string
	for _, k := range m.MarkedConditions() {
		parts = append(parts, fmt.Sprintf("%s:%d", k, m.Tokens[k]))
	}
	s := strings.Join(parts, ", ")
	if s == "" {
		s = "(empty)"
	}
	if busy := m.BusyTasks(); len(busy) > 0 {
		s += " | busy: " + strings.Join(busy, ", ")
	}
	return s
}
