package slug

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

const Separator = "-"

// AnimalNames is the default mnemonic vocabulary. Order is significant:
// a word's index is its digit value.
var AnimalNames = []string{
	"ant", "eel", "mole", "sloth", "ape", "emu", "monkey", "snail",
	"bat", "falcon", "moose", "snake", "bear", "fish", "otter", "spider",
	"bee", "fly", "owl", "squid", "bird", "fox", "panda", "swan",
	"bison", "frog", "pig", "tiger", "camel", "gecko", "pigeon", "toad",
	"cat", "goat", "pony", "trout", "cobra", "goose", "puma", "turkey",
	"cow", "hawk", "rabbit", "turtle", "crab", "horse", "rat", "viper",
	"crow", "jaguar", "seal", "wasp", "deer", "lion", "shark", "whale",
	"dog", "lizard", "sheep", "wolf", "duck", "lynx", "skunk", "zebra",
}

// Mnemonic is the word-sequence strategy: the id written in base
// len(vocabulary), most significant digit first.
type Mnemonic struct {
	words []string
	index map[string]uint64
	base  uint64
}

func NewMnemonic(vocabulary []string) (*Mnemonic, error) {
	if len(vocabulary) < 2 {
		return nil, errors.New("mnemonic vocabulary needs at least two words")
	}
	m := &Mnemonic{
		words: make([]string, len(vocabulary)),
		index: make(map[string]uint64, len(vocabulary)),
		base:  uint64(len(vocabulary)),
	}
	for i, w := range vocabulary {
		if w == "" {
			return nil, errors.Errorf("mnemonic vocabulary word %d is empty", i)
		}
		if strings.Contains(w, Separator) {
			return nil, errors.Errorf("mnemonic vocabulary word %q contains separator %q", w, Separator)
		}
		if _, dup := m.index[w]; dup {
			return nil, errors.Errorf("mnemonic vocabulary word %q is duplicated", w)
		}
		m.words[i] = w
		m.index[w] = uint64(i)
	}
	return m, nil
}

func (m *Mnemonic) Strategy() Strategy { return StrategyAnimal }

func (m *Mnemonic) Encode(id uint64) string {
	if id == 0 {
		return m.words[0]
	}
	var digits []string
	for n := id; n > 0; n /= m.base {
		digits = append(digits, m.words[n%m.base])
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return strings.Join(digits, Separator)
}

func (m *Mnemonic) Decode(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	parts := strings.Split(s, Separator)
	var id uint64
	for i, p := range parts {
		d, ok := m.index[p]
		if !ok {
			return 0, false
		}
		// a leading zero-word is a second spelling of a shorter slug
		if i == 0 && d == 0 && len(parts) > 1 {
			return 0, false
		}
		if id > (math.MaxUint64-d)/m.base {
			return 0, false
		}
		id = id*m.base + d
	}
	return id, true
}
