// Package slug maps paste identifiers to public short codes and back.
//
// Two strategies are available: a compact hashids code and a mnemonic
// sequence of dictionary words. The strategy is chosen once at startup and
// stays fixed for the lifetime of the process; slugs issued under one
// strategy do not resolve under the other.
package slug

import (
	"strings"

	"github.com/pkg/errors"
)

// Codec is a bijection between identifiers and slugs for one strategy.
// Encode is total and injective. Decode is its left inverse and reports
// false for any input Encode could not have produced.
type Codec interface {
	Encode(id uint64) string
	Decode(s string) (uint64, bool)
	Strategy() Strategy
}

type Strategy string

const (
	StrategyHashids Strategy = "hashids"
	StrategyAnimal  Strategy = "animal"
)

var ErrUnknownStrategy = errors.New("unknown slug strategy")

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hashids", "hash_ids", "compact":
		return StrategyHashids, nil
	case "animal", "animals", "mnemonic":
		return StrategyAnimal, nil
	}
	return "", errors.Wrapf(ErrUnknownStrategy, "%q", s)
}

type Options struct {
	Salt       string
	MinLength  int
	Alphabet   string
	Vocabulary []string
}

func New(strategy Strategy, opts Options) (Codec, error) {
	switch strategy {
	case StrategyHashids:
		return NewHashids(opts.Salt, opts.MinLength, opts.Alphabet)
	case StrategyAnimal:
		vocab := opts.Vocabulary
		if len(vocab) == 0 {
			vocab = AnimalNames
		}
		return NewMnemonic(vocab)
	}
	return nil, errors.Wrapf(ErrUnknownStrategy, "%q", strategy)
}
