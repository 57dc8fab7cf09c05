package coupon

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// filterFalsePositiveRate bounds how often an unknown code still costs a
// repository lookup.
const filterFalsePositiveRate = 0.001

// CodeFilter is a bloom filter over known coupon codes. A negative answer is
// definite for codes present at the last Reset or added since; codes created
// on other replicas become visible after the next Reset.
type CodeFilter struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewCodeFilter creates a filter sized for the given codes and adds them.
func NewCodeFilter(codes []string) *CodeFilter {
	f := &CodeFilter{}
	f.Reset(codes)
	return f
}

// Reset rebuilds the filter from a full code listing.
func (f *CodeFilter) Reset(codes []string) {
	capacity := uint(len(codes))*2 + 1024
	next := bloom.NewWithEstimates(capacity, filterFalsePositiveRate)
	for _, code := range codes {
		next.AddString(NormalizeCode(code))
	}

	f.mu.Lock()
	f.filter = next
	f.mu.Unlock()
}

// Add records a newly created code.
func (f *CodeFilter) Add(code string) {
	f.mu.Lock()
	f.filter.AddString(NormalizeCode(code))
	f.mu.Unlock()
}

// MayContain reports whether code could be a known coupon.
func (f *CodeFilter) MayContain(code string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.TestString(NormalizeCode(code))
}
