package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/stratadb/strata/pkg/types"
)

// TestProperty_PartitionRangesDisjointContiguous validates that for any
// sequence of open/seal cycles, the resulting partition ranges are pairwise
// disjoint and together cover the key domain without gaps.
func TestProperty_PartitionRangesDisjointContiguous(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("seal bounds produce disjoint contiguous ranges", prop.ForAll(
		func(widths []int64) bool {
			dir := t.TempDir()
			r, err := NewRegistry(filepath.Join(dir, "registry.db"))
			if err != nil {
				return false
			}
			defer r.Close()

			ctx := context.Background()
			low := int64(0)
			for _, w := range widths {
				p, err := r.Open(ctx, low)
				if err != nil {
					return false
				}
				high := low + w
				if err := r.SealAt(ctx, p.ID, high); err != nil {
					return false
				}
				low = high
			}

			all, err := r.Lookup(ctx, types.KeyRange{Low: 0, High: types.MaxKey})
			if err != nil || len(all) != len(widths) {
				return false
			}

			// Ordered, contiguous, disjoint.
			expectLow := int64(0)
			for _, p := range all {
				if p.Range.Low != expectLow {
					return false
				}
				if p.Range.High <= p.Range.Low {
					return false
				}
				expectLow = p.Range.High
			}
			for i := 0; i < len(all); i++ {
				for j := i + 1; j < len(all); j++ {
					if all[i].Range.Overlaps(all[j].Range) {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(5, gen.Int64Range(1, 10000)),
	))

	properties.TestingRun(t)
}

// TestProperty_LookupReturnsExactlyOverlapping validates that Lookup returns
// a partition if and only if its range overlaps the queried range.
func TestProperty_LookupReturnsExactlyOverlapping(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	// Fixed layout: [0,100) [100,200) [200,300).
	dir := t.TempDir()
	r, err := NewRegistry(filepath.Join(dir, "registry.db"))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	low := int64(0)
	for _, high := range []int64{100, 200, 300} {
		p, err := r.Open(ctx, low)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if err := r.SealAt(ctx, p.ID, high); err != nil {
			t.Fatalf("SealAt failed: %v", err)
		}
		low = high
	}

	properties.Property("lookup matches overlap predicate", prop.ForAll(
		func(qLow, width int64) bool {
			q := types.KeyRange{Low: qLow, High: qLow + width}
			got, err := r.Lookup(ctx, q)
			if err != nil {
				return false
			}

			expected := 0
			for _, pr := range []types.KeyRange{{Low: 0, High: 100}, {Low: 100, High: 200}, {Low: 200, High: 300}} {
				if pr.Overlaps(q) {
					expected++
				}
			}
			if len(got) != expected {
				return false
			}
			for _, p := range got {
				if !p.Range.Overlaps(q) {
					return false
				}
			}
			return true
		},
		gen.Int64Range(-50, 350),
		gen.Int64Range(1, 400),
	))

	properties.TestingRun(t)
}
