package list

// References:
// https://gitee.com/bombel/cdf_skiplist
// http://snap.stanford.edu/data/index.html

import (
	saferand "crypto/rand"
	"encoding/binary"
	"math/bits"
	randv2 "math/rand/v2"
)

// SklRand draws the height of a new node, geometric with 1/ratio,
// bounded by maxLevel.
type SklRand func(maxLevel int32, ratio int32, currentElements int64) int32

const (
	SklRandCoin   = "coin"
	SklRandBits   = "bits"
	SklRandCrypto = "crypto"
)

// SklRandByName looks up the builtin level generators. The empty name
// is the default coin generator.
func SklRandByName(name string) (SklRand, bool) {
	switch name {
	case "", SklRandCoin:
		return randomLevel, true
	case SklRandBits:
		return randomLevelV2, true
	case SklRandCrypto:
		return randomLevelV3, true
	default:
	}
	return nil, false
}

// randomLevel draws one coin per level.
func randomLevel(maxLevel int32, ratio int32, currentElements int64) int32 {
	level := int32(1)
	// Goland math random (math.Float64()) contains global mutex lock
	// Ref
	// https://cs.opensource.google/go/go/+/refs/tags/go1.21.5:src/math/rand/rand.go
	// math/rand/v2 top level functions use the per-M runtime source.
	for level < maxLevel && randv2.Uint32()%uint32(ratio) == 0 {
		level++
	}
	return level
}

// randomLevelV2 draws all the coins from one random number.
// Dynamic level calculation, the level does not deviate far from the
// number of elements within the skip list.
func randomLevelV2(maxLevel int32, ratio int32, currentElements int64) int32 {
	return levelFromBits(randv2.Uint64(), maxLevel, ratio, currentElements)
}

// randomLevelV3 is randomLevelV2 on crypto/rand.
func randomLevelV3(maxLevel int32, ratio int32, currentElements int64) int32 {
	return levelFromBits(cryptoRandUint64(), maxLevel, ratio, currentElements)
}

// levelFromBits consumes log2(ratio) bits per level, a level is granted
// when all of its bits are zero. Ratios which are not a power of 2 are
// rounded down.
func levelFromBits(num uint64, maxLevel int32, ratio int32, currentElements int64) int32 {
	step := bits.Len32(uint32(ratio)) - 1
	if step <= 0 {
		step = 1
	}
	level := int32(1 + bits.TrailingZeros64(num)/step)
	if level > maxLevel {
		level = maxLevel
	}
	// Level should be greater than but approximate to log(currentElements).
	bound := uint64(currentElements) + 1
	for level > 1 && pow(uint64(ratio), level-1) > bound {
		level--
	}
	return level
}

func pow(base uint64, exp int32) uint64 {
	res := uint64(1)
	for i := int32(0); i < exp; i++ {
		res *= base
		if res > 1<<62 {
			return res
		}
	}
	return res
}

func cryptoRandUint64() uint64 {
	randUint64 := [8]byte{}
	if _, err := saferand.Read(randUint64[:]); err != nil {
		panic(err)
	}
	if randUint64[7]&0x8 == 0x0 {
		return binary.LittleEndian.Uint64(randUint64[:])
	}
	return binary.BigEndian.Uint64(randUint64[:])
}
