// Package reorder turns a multi-row drag gesture into store move operations.
//
// A gesture is a set of selected source rows plus one drop position. The drop
// position is a gap index in [0, count]: 0 means "before the first row" and
// count means "after the last row".
//
// Two planning strategies are available:
//
//   - Plan returns one move per selected row. Applying the moves in order
//     lands the whole selection at the drop gap with its relative order kept.
//   - Collapse returns a single move, reproducing the legacy behaviour where
//     only the last computed (from, to) pair of the loop was applied.
package reorder

import (
	"errors"
	"fmt"
	"sort"
)

// Move relocates the row at From so that it ends up at index To.
type Move struct {
	From int `json:"from" yaml:"from"`
	To   int `json:"to" yaml:"to"`
}

// IsNoop reports whether applying the move leaves the sequence unchanged.
func (m Move) IsNoop() bool {
	return m.From == m.To
}

func (m Move) String() string {
	return fmt.Sprintf("%d->%d", m.From, m.To)
}

// Mode selects the planning strategy.
type Mode string

const (
	ModeMulti     Mode = "multi"
	ModeCollapsed Mode = "collapsed"
)

// ParseMode validates a mode name. An empty name yields ModeMulti.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeMulti:
		return ModeMulti, nil
	case ModeCollapsed:
		return ModeCollapsed, nil
	}
	return "", fmt.Errorf("unknown reorder mode %q (want %s or %s)", s, ModeMulti, ModeCollapsed)
}

// ErrNoSources is returned when a gesture selects no rows.
var ErrNoSources = errors.New("no source rows selected")

// IndexOutOfRangeError reports a source or drop index outside the sequence.
type IndexOutOfRangeError struct {
	What  string // "source", "drop", "from" or "to"
	Index int
	Len   int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("%s index %d out of range for %d rows", e.What, e.Index, e.Len)
}

// Plan computes the per-row moves for dropping sources at drop in a sequence
// of count rows. Duplicate sources are ignored.
func Plan(count int, sources []int, drop int) ([]Move, error) {
	rows, err := normalize(count, sources, drop)
	if err != nil {
		return nil, err
	}

	moves := make([]Move, 0, len(rows))
	removedAbove := 0
	insertedBelow := 0
	for _, src := range rows {
		if src < drop {
			// earlier rows above the drop already left their slots
			moves = append(moves, Move{From: src + removedAbove, To: drop - 1})
			removedAbove--
		} else {
			moves = append(moves, Move{From: src, To: drop + insertedBelow})
			insertedBelow++
		}
	}
	return moves, nil
}

// Collapse computes the single move applied by the legacy drag handler: the
// pair Plan computes for the last selected row, offsets included.
func Collapse(count int, sources []int, drop int) (Move, error) {
	rows, err := normalize(count, sources, drop)
	if err != nil {
		return Move{}, err
	}

	var last Move
	removedAbove := 0
	insertedBelow := 0
	for _, src := range rows {
		if src < drop {
			last = Move{From: src + removedAbove, To: drop - 1}
			removedAbove--
		} else {
			last = Move{From: src, To: drop + insertedBelow}
			insertedBelow++
		}
	}
	return last, nil
}

// Build returns the move list for the given mode.
func Build(mode Mode, count int, sources []int, drop int) ([]Move, error) {
	if mode == ModeCollapsed {
		m, err := Collapse(count, sources, drop)
		if err != nil {
			return nil, err
		}
		return []Move{m}, nil
	}
	return Plan(count, sources, drop)
}

// Apply returns a copy of items with the moves applied in order.
func Apply[T any](items []T, moves ...Move) ([]T, error) {
	out := make([]T, len(items))
	copy(out, items)
	for _, m := range moves {
		var err error
		if out, err = MoveItem(out, m.From, m.To); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MoveItem removes the element at from and reinserts it at to, shifting the
// elements in between. The slice is modified in place.
func MoveItem[T any](items []T, from, to int) ([]T, error) {
	n := len(items)
	if from < 0 || from >= n {
		return nil, &IndexOutOfRangeError{What: "from", Index: from, Len: n}
	}
	if to < 0 || to >= n {
		return nil, &IndexOutOfRangeError{What: "to", Index: to, Len: n}
	}
	if from == to {
		return items, nil
	}
	item := items[from]
	if from < to {
		copy(items[from:to], items[from+1:to+1])
	} else {
		copy(items[to+1:from+1], items[to:from])
	}
	items[to] = item
	return items, nil
}

func normalize(count int, sources []int, drop int) ([]int, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	if drop < 0 || drop > count {
		return nil, &IndexOutOfRangeError{What: "drop", Index: drop, Len: count}
	}

	seen := make(map[int]bool, len(sources))
	rows := make([]int, 0, len(sources))
	for _, src := range sources {
		if src < 0 || src >= count {
			return nil, &IndexOutOfRangeError{What: "source", Index: src, Len: count}
		}
		if seen[src] {
			continue
		}
		seen[src] = true
		rows = append(rows, src)
	}
	sort.Ints(rows)
	return rows, nil
}
