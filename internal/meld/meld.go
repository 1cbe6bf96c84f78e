// Package meld decides whether tiles form legal runs and groups and whether a
// rack decomposition is a legal win claim.
package meld

import (
	"errors"
	"slices"

	"github.com/samber/oops"

	"rummi-server/internal/tiles"
)

var (
	// ErrTilesMismatch means the claimed melds do not hold exactly the
	// claimant's rack. This points at a tampered client.
	ErrTilesMismatch = errors.New("Tiles don't match your rack")

	// ErrMeldsInvalid means the tiles are the player's own but at least one
	// meld is neither a run nor a group.
	ErrMeldsInvalid = errors.New("Not all melds are valid")
)

const (
	MinSize      = 3
	MaxGroupSize = 4
)

// Meld is a claimed arrangement of tiles. Kind is filled in by the server
// once the meld has been validated.
type Meld struct {
	ID    string       `json:"id"`
	Tiles []tiles.Tile `json:"tiles"`
	Kind  Kind         `json:"kind,omitempty"`
}

type Kind string

const (
	KindNone  Kind = ""
	KindRun   Kind = "run"
	KindGroup Kind = "group"
)

func splitJokers(ts []tiles.Tile) (regular []tiles.Tile, jokers int) {
	regular = make([]tiles.Tile, 0, len(ts))
	for _, t := range ts {
		if t.IsJoker {
			jokers++
			continue
		}
		regular = append(regular, t)
	}
	return regular, jokers
}

// IsValidRun reports whether ts is three or more same-colored tiles with
// consecutive numbers. Jokers must fill the gaps exactly.
func IsValidRun(ts []tiles.Tile) bool {
	if len(ts) < MinSize {
		return false
	}

	regular, jokers := splitJokers(ts)
	if len(regular) == 0 {
		return false
	}

	color := regular[0].Color
	numbers := make([]int, 0, len(regular))
	for _, t := range regular {
		if !t.Valid() || t.Color != color {
			return false
		}
		numbers = append(numbers, t.Number)
	}

	slices.Sort(numbers)
	for i := 1; i < len(numbers); i++ {
		if numbers[i] == numbers[i-1] {
			return false
		}
	}

	span := numbers[len(numbers)-1] - numbers[0] + 1
	return span-len(regular) == jokers
}

// IsValidGroup reports whether ts is three or four tiles sharing a number
// with no repeated color.
func IsValidGroup(ts []tiles.Tile) bool {
	if len(ts) < MinSize || len(ts) > MaxGroupSize {
		return false
	}

	regular, _ := splitJokers(ts)
	if len(regular) == 0 {
		return false
	}

	number := regular[0].Number
	colors := make(map[tiles.Color]bool, len(regular))
	for _, t := range regular {
		if !t.Valid() || t.Number != number || colors[t.Color] {
			return false
		}
		colors[t.Color] = true
	}

	return true
}

func IsValid(ts []tiles.Tile) bool {
	return IsValidRun(ts) || IsValidGroup(ts)
}

// KindOf classifies ts. Runs win over groups for the ambiguous
// one-regular-tile-plus-jokers case.
func KindOf(ts []tiles.Tile) Kind {
	switch {
	case IsValidRun(ts):
		return KindRun
	case IsValidGroup(ts):
		return KindGroup
	default:
		return KindNone
	}
}

// VerifyTilesMatch checks that the tile ids across melds are exactly the ids
// in rack: no duplicates, nothing missing, nothing foreign.
func VerifyTilesMatch(rack []tiles.Tile, melds []Meld) error {
	inRack := make(map[string]bool, len(rack))
	for _, t := range rack {
		inRack[t.ID] = true
	}

	claimed := make(map[string]bool, len(rack))
	for _, m := range melds {
		for _, t := range m.Tiles {
			if claimed[t.ID] {
				return oops.Code("TILES_MISMATCH").With("tile", t.ID).With("problem", "duplicate").Wrap(ErrTilesMismatch)
			}
			if !inRack[t.ID] {
				return oops.Code("TILES_MISMATCH").With("tile", t.ID).With("problem", "foreign").Wrap(ErrTilesMismatch)
			}
			claimed[t.ID] = true
		}
	}

	if len(claimed) != len(rack) {
		return oops.Code("TILES_MISMATCH").
			With("claimed", len(claimed)).
			With("rack", len(rack)).
			Wrap(ErrTilesMismatch)
	}

	return nil
}

// Canonicalize replaces every claimed tile with the rack's tile of the same
// id so validity is judged on server-held values, not on what the client
// says a tile looks like. Tiles not found in rack are kept as sent; callers
// run VerifyTilesMatch first.
func Canonicalize(rack []tiles.Tile, melds []Meld) []Meld {
	byID := make(map[string]tiles.Tile, len(rack))
	for _, t := range rack {
		byID[t.ID] = t
	}

	out := make([]Meld, len(melds))
	for i, m := range melds {
		ts := make([]tiles.Tile, len(m.Tiles))
		for j, t := range m.Tiles {
			if own, ok := byID[t.ID]; ok {
				ts[j] = own
			} else {
				ts[j] = t
			}
		}
		out[i] = Meld{ID: m.ID, Tiles: ts}
	}
	return out
}

// CanAnnounceWin accepts the claim only if melds cover the rack exactly and
// every meld is a run or a group. The returned melds are canonical and
// labelled with their kind.
func CanAnnounceWin(rack []tiles.Tile, melds []Meld) ([]Meld, error) {
	if err := VerifyTilesMatch(rack, melds); err != nil {
		return nil, err
	}

	canonical := Canonicalize(rack, melds)
	for i, m := range canonical {
		kind := KindOf(m.Tiles)
		if kind == KindNone {
			return nil, oops.Code("MELDS_INVALID").
				With("meld", m.ID).
				With("index", i).
				Wrap(ErrMeldsInvalid)
		}
		canonical[i].Kind = kind
	}

	return canonical, nil
}
