package types

import "strings"

const (
	// KeyDelimiter seps kv key segments
	KeyDelimiter = "/"
)

// Pair identifies a trading pair in order of trade direction: base is
// what the maker sells, rel is what the maker receives.
type Pair struct {
	Base string
	Rel  string
}

func NewPair(base, rel string) Pair {
	return Pair{Base: strings.ToUpper(base), Rel: strings.ToUpper(rel)}
}

// Flip returns the pair in the opposite orientation.
func (p Pair) Flip() Pair {
	return Pair{Base: p.Rel, Rel: p.Base}
}

func (p Pair) String() string {
	return p.Base + KeyDelimiter + p.Rel
}

// NewKey joins kv key segments.
func NewKey(segs ...string) []byte {
	return []byte(strings.Join(segs, KeyDelimiter))
}
