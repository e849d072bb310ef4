package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// Dataset split labels attached to published attempts.
const (
	SplitTrain   = "train"
	SplitHoldout = "holdout"
)

const percentBuckets = 100

// BucketingManager assigns sessions to stable buckets. The same session id
// always lands in the same bucket across replicas and restarts.
type BucketingManager struct {
	holdoutPercent int
	shardBuckets   int
	hasherPool     sync.Pool
}

// NewBucketingManager creates a manager that routes holdoutPercent of
// sessions to the holdout split and spreads rows over shardBuckets shards.
func NewBucketingManager(holdoutPercent, shardBuckets int) *BucketingManager {
	if holdoutPercent < 0 {
		holdoutPercent = 0
	}
	if holdoutPercent > percentBuckets {
		holdoutPercent = percentBuckets
	}
	if shardBuckets <= 0 {
		shardBuckets = 16
	}

	bm := &BucketingManager{
		holdoutPercent: holdoutPercent,
		shardBuckets:   shardBuckets,
	}

	// pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() any {
			return murmur3.New64()
		},
	}

	return bm
}

// Split returns SplitHoldout or SplitTrain for sessionID.
func (bm *BucketingManager) Split(sessionID string) string {
	if bm.getBucket(sessionID, percentBuckets) < bm.holdoutPercent {
		return SplitHoldout
	}
	return SplitTrain
}

// GetShardBucket returns the shard (0 to shardBuckets-1) for key.
func (bm *BucketingManager) GetShardBucket(key string) int {
	return bm.getBucket(key, bm.shardBuckets)
}

// GetDateBucket returns the UTC day of t.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}
