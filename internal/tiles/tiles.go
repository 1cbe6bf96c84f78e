package tiles

import (
	"fmt"
	"math/rand/v2"
)

type Color string

const (
	Red    Color = "red"
	Blue   Color = "blue"
	Yellow Color = "yellow"
	Black  Color = "black"
)

const (
	MinNumber = 1
	MaxNumber = 13

	Sets       = 2
	JokerCount = 2
	PoolSize   = Sets*len(Colors)*MaxNumber + JokerCount

	DefaultRackSize = 14
)

// Colors is an array so PoolSize stays a constant expression.
var Colors = [4]Color{Red, Blue, Yellow, Black}

func (c Color) Valid() bool {
	for _, known := range Colors {
		if c == known {
			return true
		}
	}
	return false
}

type Tile struct {
	ID      string `json:"id"`
	Color   Color  `json:"color"`
	Number  int    `json:"number"`
	IsJoker bool   `json:"isJoker"`
}

// Valid reports whether t is a joker or a numbered tile of a known color.
func (t Tile) Valid() bool {
	if t.IsJoker {
		return true
	}
	return t.Color.Valid() && t.Number >= MinNumber && t.Number <= MaxNumber
}

func (t Tile) String() string {
	if t.IsJoker {
		return "Joker"
	}
	return fmt.Sprintf("%s %d", t.Color, t.Number)
}

// GeneratePool returns the full unshuffled deck: two sets of 1-13 in each
// color followed by the jokers.
func GeneratePool() []Tile {
	pool := make([]Tile, 0, PoolSize)

	for set := range Sets {
		for _, color := range Colors {
			for number := MinNumber; number <= MaxNumber; number++ {
				pool = append(pool, Tile{
					ID:     fmt.Sprintf("%s-%d-%d", color, number, set),
					Color:  color,
					Number: number,
				})
			}
		}
	}

	// Jokers carry a color for display only.
	for i := range JokerCount {
		pool = append(pool, Tile{
			ID:      fmt.Sprintf("joker-%d", i),
			Color:   Colors[i%len(Colors)],
			Number:  0,
			IsJoker: true,
		})
	}

	return pool
}

// Shuffle returns a uniformly random permutation of tiles. The input slice is
// left untouched.
func Shuffle(tiles []Tile) []Tile {
	return ShuffleWith(nil, tiles)
}

// ShuffleWith is Shuffle with an explicit random source. A nil rng uses the
// package-level generator.
func ShuffleWith(rng *rand.Rand, tiles []Tile) []Tile {
	intN := rand.IntN
	if rng != nil {
		intN = rng.IntN
	}

	shuffled := make([]Tile, len(tiles))
	copy(shuffled, tiles)

	for i := len(shuffled) - 1; i > 0; i-- {
		j := intN(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	return shuffled
}

// Deal shuffles pool and hands tiles out one at a time, cycling through the
// players, until every rack holds perPlayer tiles or the pool runs dry.
func Deal(pool []Tile, playerCount, perPlayer int) (racks [][]Tile, rest []Tile) {
	return DealWith(nil, pool, playerCount, perPlayer)
}

func DealWith(rng *rand.Rand, pool []Tile, playerCount, perPlayer int) (racks [][]Tile, rest []Tile) {
	shuffled := ShuffleWith(rng, pool)

	if playerCount <= 0 {
		return [][]Tile{}, shuffled
	}

	racks = make([][]Tile, playerCount)
	for i := range racks {
		racks[i] = make([]Tile, 0, perPlayer)
	}

	total := playerCount * perPlayer
	dealt := 0
	for dealt < total && len(shuffled) > 0 {
		racks[dealt%playerCount] = append(racks[dealt%playerCount], shuffled[0])
		shuffled = shuffled[1:]
		dealt++
	}

	rest = make([]Tile, len(shuffled))
	copy(rest, shuffled)

	return racks, rest
}

// IndexOf returns the position of the tile with the given id, or -1.
func IndexOf(rack []Tile, id string) int {
	for i, tile := range rack {
		if tile.ID == id {
			return i
		}
	}
	return -1
}

// Remove returns rack without the tile identified by id, plus that tile.
// ok is false when the id is not present.
func Remove(rack []Tile, id string) (remaining []Tile, removed Tile, ok bool) {
	i := IndexOf(rack, id)
	if i == -1 {
		return rack, Tile{}, false
	}

	removed = rack[i]
	remaining = make([]Tile, 0, len(rack)-1)
	remaining = append(remaining, rack[:i]...)
	remaining = append(remaining, rack[i+1:]...)

	return remaining, removed, true
}
