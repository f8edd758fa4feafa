package responsetime

import (
	"fmt"
	"time"
)

// Bucket is a named elapsed-time range used for reporting.
type Bucket string

const (
	BucketVeryFast Bucket = "very_fast"
	BucketFast     Bucket = "fast"
	BucketNormal   Bucket = "normal"
	BucketSlow     Bucket = "slow"
	BucketVerySlow Bucket = "very_slow"
)

// Buckets lists every bucket from fastest to slowest.
var Buckets = []Bucket{BucketVeryFast, BucketFast, BucketNormal, BucketSlow, BucketVerySlow}

// Thresholds are the upper bounds of the first four buckets. Lower bounds are
// inclusive; the Slow bound is inclusive too, so very_slow means strictly
// more than Slow.
type Thresholds struct {
	VeryFast time.Duration
	Fast     time.Duration
	Normal   time.Duration
	Slow     time.Duration
}

// DefaultThresholds returns 2m / 5m / 15m / 1h.
func DefaultThresholds() Thresholds {
	return Thresholds{
		VeryFast: 2 * time.Minute,
		Fast:     5 * time.Minute,
		Normal:   15 * time.Minute,
		Slow:     time.Hour,
	}
}

// Validate checks the bounds are positive and strictly increasing.
func (t Thresholds) Validate() error {
	if t.VeryFast <= 0 || t.Fast <= t.VeryFast || t.Normal <= t.Fast || t.Slow <= t.Normal {
		return fmt.Errorf("responsetime: thresholds must increase strictly: %s/%s/%s/%s",
			t.VeryFast, t.Fast, t.Normal, t.Slow)
	}
	return nil
}

// Classify maps an elapsed duration onto its bucket.
func (t Thresholds) Classify(elapsed time.Duration) Bucket {
	switch {
	case elapsed < t.VeryFast:
		return BucketVeryFast
	case elapsed < t.Fast:
		return BucketFast
	case elapsed < t.Normal:
		return BucketNormal
	case elapsed <= t.Slow:
		return BucketSlow
	default:
		return BucketVerySlow
	}
}

// ClassifySeconds is Classify for a value in seconds.
func (t Thresholds) ClassifySeconds(seconds float64) Bucket {
	return t.Classify(time.Duration(seconds * float64(time.Second)))
}
