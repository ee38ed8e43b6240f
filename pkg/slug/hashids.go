package slug

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	hashids "github.com/speps/go-hashids/v2"
)

const (
	DefaultMinLength = 6
	maxHashidsLength = 64
)

// Hashids is the compact-code strategy.
type Hashids struct {
	h        *hashids.HashID
	alphabet string
}

func NewHashids(salt string, minLength int, alphabet string) (*Hashids, error) {
	if minLength < 0 {
		return nil, errors.New("hashids min length must not be negative")
	}
	if minLength > maxHashidsLength/2 {
		return nil, errors.Errorf("hashids min length must be <= %d", maxHashidsLength/2)
	}
	hd := hashids.NewData()
	hd.Salt = salt
	hd.MinLength = minLength
	if alphabet != "" {
		hd.Alphabet = alphabet
	}
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, errors.Wrap(err, "init hashids")
	}
	return &Hashids{h: h, alphabet: hd.Alphabet}, nil
}

func (c *Hashids) Strategy() Strategy { return StrategyHashids }

// Encode uses a single number for ids that fit in int64 and a two-number
// (high, low) form above that, so every uint64 has exactly one slug.
func (c *Hashids) Encode(id uint64) string {
	var nums []int64
	if id <= math.MaxInt64 {
		nums = []int64{int64(id)}
	} else {
		nums = []int64{int64(id >> 32), int64(id & math.MaxUint32)}
	}
	s, err := c.h.EncodeInt64(nums)
	if err != nil {
		// only reachable with negative or empty input
		panic(errors.Wrapf(err, "hashids encode %d", id))
	}
	return s
}

func (c *Hashids) Decode(s string) (id uint64, ok bool) {
	if s == "" || len(s) > maxHashidsLength {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(c.alphabet, s[i]) < 0 {
			return 0, false
		}
	}
	nums, err := c.decode(s)
	if err != nil {
		return 0, false
	}
	switch len(nums) {
	case 1:
		if nums[0] < 0 {
			return 0, false
		}
		id = uint64(nums[0])
	case 2:
		hi, lo := nums[0], nums[1]
		if hi < 1<<31 || hi > math.MaxUint32 || lo < 0 || lo > math.MaxUint32 {
			return 0, false
		}
		id = uint64(hi)<<32 | uint64(lo)
	default:
		return 0, false
	}
	if c.Encode(id) != s {
		return 0, false
	}
	return id, true
}

// go-hashids indexes into its alphabet tables without bounds checks on some
// crafted inputs; a panic there is a failed decode.
func (c *Hashids) decode(s string) (nums []int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			nums, err = nil, errors.Errorf("hashids decode panic: %v", r)
		}
	}()
	return c.h.DecodeInt64WithError(s)
}
