package relay

import (
	"bytes"
	"sort"

	"github.com/cuemby/formation/pkg/types"
)

// RankRelays filters candidates down to those satisfying requiredCaps and
// sorts them best-first, preferring the caller's own region. Scoring is
// lexicographic: region match (desc), capability superset (desc),
// reliability (desc), load (asc), latency (asc), with a deterministic
// public-key tie-break. Used both by SelectRelay (single best pick) and by
// discovery replies, which return the whole ranked list per §4.1.1.
func RankRelays(candidates []*types.RelayNodeRecord, requiredCaps types.RelayCapability, region string, latencyByPubKey map[[32]byte]float64) []*types.RelayNodeRecord {
	var eligible []*types.RelayNodeRecord
	for _, c := range candidates {
		if c.Capabilities&requiredCaps == requiredCaps {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	score := func(c *types.RelayNodeRecord) (regionMatch int, capSuperset int, reliability uint8, load uint8, latency float64) {
		if c.Region == region {
			regionMatch = 1
		}
		capSuperset = popcount(uint32(c.Capabilities))
		reliability = c.Reliability
		load = c.Load
		latency = latencyByPubKey[c.PubKey]
		return
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		aRegion, aCaps, aRel, aLoad, aLat := score(a)
		bRegion, bCaps, bRel, bLoad, bLat := score(b)

		if aRegion != bRegion {
			return aRegion > bRegion
		}
		if aCaps != bCaps {
			return aCaps > bCaps
		}
		if aRel != bRel {
			return aRel > bRel
		}
		if aLoad != bLoad {
			return aLoad < bLoad
		}
		if aLat != bLat {
			return aLat < bLat
		}
		return bytes.Compare(a.PubKey[:], b.PubKey[:]) < 0
	})

	return eligible
}

// SelectRelay picks the best candidate from candidates for a session
// requiring requiredCaps. Returns nil if no candidate satisfies
// requiredCaps.
func SelectRelay(candidates []*types.RelayNodeRecord, requiredCaps types.RelayCapability, region string, latencyByPubKey map[[32]byte]float64) *types.RelayNodeRecord {
	ranked := RankRelays(candidates, requiredCaps, region, latencyByPubKey)
	if len(ranked) == 0 {
		return nil
	}
	return ranked[0]
}

func popcount(v uint32) int {
	n := 0
	for v != 0 {
		n += int(v & 1)
		v >>= 1
	}
	return n
}
