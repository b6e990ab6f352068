package api

import (
	"fmt"
	"strconv"
	"strings"
)

// Position is an index path locating a step within a step tree. The first
// element indexes the root step list; subsequent pairs descend through a
// composite step's child lists (branch index, then child index, and so on).
//
// Positions serialize as dot-joined indexes ("2.0.1") so they round-trip
// through any snapshot encoding and rebind unambiguously against the
// immutable tree they were produced from.
type Position []int

// Child returns a new Position extended with idx. The receiver is not
// modified and does not share backing storage with the result.
func (p Position) Child(idx int) Position {
	out := make(Position, len(p), len(p)+1)
	copy(out, p)
	return append(out, idx)
}

// Clone returns an independent copy.
func (p Position) Clone() Position {
	if p == nil {
		return nil
	}
	out := make(Position, len(p))
	copy(out, p)
	return out
}

// Equal reports whether two positions address the same step.
func (p Position) Equal(q Position) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// IsRoot reports whether the position is empty (no step addressed yet).
func (p Position) IsRoot() bool { return len(p) == 0 }

func (p Position) String() string {
	if len(p) == 0 {
		return ""
	}
	parts := make([]string, len(p))
	for i, v := range p {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ".")
}

// ParsePosition parses the string form produced by Position.String.
// An empty string parses to a nil (root) position.
func ParsePosition(s string) (Position, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ".")
	out := make(Position, len(parts))
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid position %q", s)
		}
		out[i] = v
	}
	return out, nil
}

// WaitCorrelationID derives the correlation key for a wait condition
// registered at the given position of a flow instance.
func WaitCorrelationID(flowID string, pos Position) string {
	return flowID + "@" + pos.String()
}
