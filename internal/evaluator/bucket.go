package evaluator

import (
	"github.com/cespare/xxhash/v2"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
)

// BucketCount is the bucket resolution used for rollouts (0.1%).
const BucketCount = 1000

// Bucket places a context key deterministically in [0, BucketCount). The
// same flag and key always land in the same bucket in every process.
func Bucket(flagKey, contextKey string) uint64 {
	return xxhash.Sum64String(flagKey+"."+contextKey) % BucketCount
}

// pickDistribution applies the segment rollout and then splits the rolled
// out buckets across the distributions by percent.
func pickDistribution(segment domain.Segment, bucket uint64) (domain.Distribution, bool) {
	limit := uint64(segment.RolloutPercent) * BucketCount / 100
	if bucket >= limit || len(segment.Distributions) == 0 {
		return domain.Distribution{}, false
	}

	position := bucket * 100 / limit
	var acc uint64
	for _, dist := range segment.Distributions {
		acc += uint64(dist.Percent)
		if position < acc {
			return dist, true
		}
	}

	return domain.Distribution{}, false
}
