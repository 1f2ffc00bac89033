package internal

const (
	jumpMultiplier = 2862933555777941757
	jumpScale      = float64(1 << 31)
)

// JumpHash maps key to a bucket in [0, buckets) with Lamping and Veach's
// jump consistent hash (https://arxiv.org/abs/1406.2294). Growing buckets
// from n to n+1 only moves keys into the new bucket.
func JumpHash(key uint64, buckets int) int {
	if buckets <= 0 {
		return 0
	}

	bucket, next := int64(-1), int64(0)
	for next < int64(buckets) {
		bucket = next
		key = key*jumpMultiplier + 1
		next = int64(float64(bucket+1) * (jumpScale / float64((key>>33)+1)))
	}
	return int(bucket)
}
