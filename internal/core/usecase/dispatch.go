package usecase

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
	"go.uber.org/zap"
)

// MutationHandler is one strategy object of the dispatch table. Offer returns
// claimed=false, without side effects, for kinds it does not recognize.
type MutationHandler interface {
	Name() string
	Kinds() []domain.Kind
	Offer(ctx context.Context, rec domain.MutationRecord) (claimed bool, err error)
	IdleMaintenance(ctx context.Context) error
}

// Reconciler is implemented by handlers that repair structural drift once at
// worker start.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

type Outcome int

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeFailed
	OutcomeUnclaimed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeFailed:
		return "failed"
	case OutcomeUnclaimed:
		return "unclaimed"
	}
	return "unknown"
}

// DispatchTable offers records to handlers in registration order; the first
// claim wins.
type DispatchTable struct {
	handlers []MutationHandler
	log      *zap.Logger
}

func NewDispatchTable(log *zap.Logger, handlers ...MutationHandler) *DispatchTable {
	return &DispatchTable{handlers: handlers, log: log}
}

func (t *DispatchTable) Handlers() []MutationHandler {
	return append([]MutationHandler(nil), t.handlers...)
}

// Validate checks that every known kind is claimed by exactly one handler.
func (t *DispatchTable) Validate() error {
	owner := make(map[domain.Kind]string, len(domain.Kinds()))
	var problems []string
	for _, h := range t.handlers {
		for _, k := range h.Kinds() {
			if prev, ok := owner[k]; ok {
				problems = append(problems, fmt.Sprintf("%s claimed by %s and %s", k, prev, h.Name()))
				continue
			}
			owner[k] = h.Name()
		}
	}
	for _, k := range domain.Kinds() {
		if _, ok := owner[k]; !ok {
			problems = append(problems, fmt.Sprintf("%s has no handler", k))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("dispatch table: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Dispatch never lets a handler panic escape. An unclaimed record is logged
// here and reported as domain.ErrUnknownKind.
func (t *DispatchTable) Dispatch(ctx context.Context, rec domain.MutationRecord) (Outcome, error) {
	for _, h := range t.handlers {
		claimed, err := offer(ctx, h, rec)
		if !claimed {
			continue
		}
		if err != nil {
			return OutcomeFailed, fmt.Errorf("%s: %w", h.Name(), err)
		}
		return OutcomeApplied, nil
	}
	t.log.Error("unknown mutation kind",
		zap.Int64("id", rec.ID),
		zap.Int("kind", int(rec.Kind)),
	)
	return OutcomeUnclaimed, fmt.Errorf("%w %d in record %d", domain.ErrUnknownKind, int(rec.Kind), rec.ID)
}

// IdleMaintenance runs every handler's background work; one failing handler
// does not keep the others from running.
func (t *DispatchTable) IdleMaintenance(ctx context.Context) error {
	var errs []error
	for _, h := range t.handlers {
		if err := guard(func() error { return h.IdleMaintenance(ctx) }); err != nil {
			errs = append(errs, fmt.Errorf("%s idle: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (t *DispatchTable) Reconcile(ctx context.Context) error {
	var errs []error
	for _, h := range t.handlers {
		r, ok := h.(Reconciler)
		if !ok {
			continue
		}
		if err := guard(func() error { return r.Reconcile(ctx) }); err != nil {
			errs = append(errs, fmt.Errorf("%s reconcile: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// offer treats a panic as a claimed record that failed.
func offer(ctx context.Context, h MutationHandler, rec domain.MutationRecord) (claimed bool, err error) {
	defer func() {
		if v := recover(); v != nil {
			claimed, err = true, &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return h.Offer(ctx, rec)
}

func guard(fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return fn()
}

func fmtAny(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(v)
}
