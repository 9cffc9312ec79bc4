package services

import (
	"errors"
	"fmt"

	"github.com/CrowderSoup/kanban/database"
)

// ErrIndexOutOfRange is returned when a gesture names an index outside its collection
var ErrIndexOutOfRange = errors.New("index out of range")

// Orderable is anything kept in a position-ordered collection
type Orderable interface {
	GetID() int64
	GetPosition() int
}

// Intent is a single pending position update. ParentID is set only when the
// entity changes parent.
type Intent struct {
	ID       int64  `json:"id"`
	Position int    `json:"position"`
	ParentID *int64 `json:"parentId,omitempty"`
}

func (i Intent) ListPatch() database.ListPatch {
	position := i.Position
	return database.ListPatch{Position: &position}
}

func (i Intent) CardPatch() database.CardPatch {
	position := i.Position
	patch := database.CardPatch{Position: &position}
	if i.ParentID != nil {
		parent := *i.ParentID
		patch.ListID = &parent
	}
	return patch
}

// ReorderWithinCollection moves seq[from] to index to and returns the new
// ordering together with the updates needed to persist it. Positions are
// renumbered densely from 0; only elements whose stored position differs from
// their new index get an intent. The input slice is not modified.
//
// Because intents compare stored positions rather than index changes, a
// sparse sequence (such as a source list left with a gap by
// MoveBetweenCollections) is healed by its next reorder. A reorder with
// from == to changes nothing and leaves gaps in place.
func ReorderWithinCollection[T Orderable](seq []T, from, to int) ([]T, []Intent, error) {
	if from < 0 || from >= len(seq) || to < 0 || to >= len(seq) {
		return nil, nil, fmt.Errorf("move %d -> %d in %d items: %w", from, to, len(seq), ErrIndexOutOfRange)
	}

	out := make([]T, len(seq))
	copy(out, seq)
	if from == to {
		return out, nil, nil
	}

	moved := out[from]
	if from < to {
		copy(out[from:to], out[from+1:to+1])
	} else {
		copy(out[to+1:from+1], out[to:from])
	}
	out[to] = moved

	var intents []Intent
	for i, item := range out {
		if item.GetPosition() != i {
			intents = append(intents, Intent{ID: item.GetID(), Position: i})
		}
	}
	return out, intents, nil
}

// MoveBetweenCollections takes src[from] and inserts it into dst at index to.
// The moved element gets one intent carrying newParentID and position to;
// every other element of the destination is renumbered to its new index.
// The source keeps its remaining positions, gaps included.
func MoveBetweenCollections[T Orderable](src, dst []T, from, to int, newParentID int64) ([]T, []T, []Intent, error) {
	if from < 0 || from >= len(src) {
		return nil, nil, nil, fmt.Errorf("source index %d of %d: %w", from, len(src), ErrIndexOutOfRange)
	}
	if to < 0 || to > len(dst) {
		return nil, nil, nil, fmt.Errorf("destination index %d of %d: %w", to, len(dst), ErrIndexOutOfRange)
	}

	moved := src[from]

	newSrc := make([]T, 0, len(src)-1)
	newSrc = append(newSrc, src[:from]...)
	newSrc = append(newSrc, src[from+1:]...)

	newDst := make([]T, 0, len(dst)+1)
	newDst = append(newDst, dst[:to]...)
	newDst = append(newDst, moved)
	newDst = append(newDst, dst[to:]...)

	parent := newParentID
	intents := make([]Intent, 0, len(newDst))
	intents = append(intents, Intent{ID: moved.GetID(), Position: to, ParentID: &parent})
	for i, item := range newDst {
		if i == to {
			continue
		}
		intents = append(intents, Intent{ID: item.GetID(), Position: i})
	}
	return newSrc, newDst, intents, nil
}

// ReorderLists reorders the lists of one project. Lists never change project,
// so there is no cross-collection variant.
func ReorderLists(lists []database.List, from, to int) ([]database.List, []Intent, error) {
	return ReorderWithinCollection(lists, from, to)
}
