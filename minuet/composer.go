package minuet

import "strings"

// Composer identifies the composer a token sequence is attributed to.
// The set is fixed by the training corpus; anything else maps to
// ComposerUnknown.
type Composer int

const (
	ComposerUnknown Composer = iota
	ComposerBach
	ComposerMozart
	ComposerBeethoven
	ComposerChopin
	ComposerLiszt
	ComposerDebussy
	ComposerScriabin
)

var composerNames = []string{
	ComposerUnknown:   "unknown",
	ComposerBach:      "bach",
	ComposerMozart:    "mozart",
	ComposerBeethoven: "beethoven",
	ComposerChopin:    "chopin",
	ComposerLiszt:     "liszt",
	ComposerDebussy:   "debussy",
	ComposerScriabin:  "scriabin",
}

func (c Composer) String() string {
	if c < 0 || int(c) >= len(composerNames) {
		return "unknown"
	}
	return composerNames[c]
}

// ParseComposer maps a name to its Composer. Unrecognized names return
// ComposerUnknown.
func ParseComposer(name string) Composer {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range composerNames {
		if n == name {
			return Composer(i)
		}
	}
	return ComposerUnknown
}

// NumComposers returns the size of the composer set, including unknown.
// Conditioning embeddings are indexed by Composer in [0, NumComposers).
func NumComposers() int {
	return len(composerNames)
}
