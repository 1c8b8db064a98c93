// Package handler holds the strategy objects of the dispatch table. Each one
// owns a phase of the competition lifecycle and maps its kinds to functions,
// so Offer is a single table lookup.
package handler

import (
	"context"
	"fmt"
	"sort"

	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
)

type applyFunc func(ctx context.Context, rec domain.MutationRecord) error

type routes map[domain.Kind]applyFunc

func (r routes) offer(ctx context.Context, rec domain.MutationRecord) (bool, error) {
	fn, ok := r[rec.Kind]
	if !ok {
		return false, nil
	}
	return true, fn(ctx, rec)
}

func (r routes) kinds() []domain.Kind {
	out := make([]domain.Kind, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// required dereferences a reference the producer validated. A nil value means
// the row was written by something other than the producer.
func required(rec domain.MutationRecord, name string, v *int64) (int64, error) {
	if v == nil {
		return 0, missing(rec, name)
	}
	return *v, nil
}

func missing(rec domain.MutationRecord, name string) error {
	return fmt.Errorf("%w: record %d lacks %s", domain.ErrInvalidRefs, rec.ID, name)
}
