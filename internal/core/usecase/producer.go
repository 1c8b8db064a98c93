package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
	"github.com/atvirokodosprendimai/compmut/internal/core/ports"
	"github.com/atvirokodosprendimai/compmut/internal/metrics"
	"go.uber.org/zap"
)

const (
	DefaultInitialWait = 200 * time.Millisecond
	DefaultMaxWait     = 3 * time.Second
)

type ProducerConfig struct {
	// InitialWait is the first poll interval; it doubles after every poll.
	InitialWait time.Duration
	// MaxWait caps the total time a synchronous caller sleeps.
	MaxWait     time.Duration
	ActorMaxLen int
}

// Producer is the entry point for requesting competition mutations. It never
// applies a mutation itself.
type Producer struct {
	repo ports.MutationRepository
	wake ports.WakePinger
	log  *zap.Logger
	cfg  ProducerConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewProducer(repo ports.MutationRepository, wake ports.WakePinger, log *zap.Logger, cfg ProducerConfig) *Producer {
	if cfg.InitialWait <= 0 {
		cfg.InitialWait = DefaultInitialWait
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.ActorMaxLen <= 0 {
		cfg.ActorMaxLen = domain.DefaultActorMaxLen
	}
	return &Producer{
		repo:  repo,
		wake:  wake,
		log:   log,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		sleep: sleepCtx,
	}
}

// Enqueue stores a mutation and rings the wake channel. Unless fast is set it
// then polls for completion with a doubling interval until MaxWait would be
// exceeded. The returned record is the last state observed; Applied=false only
// means "not yet".
func (p *Producer) Enqueue(ctx context.Context, kind domain.Kind, refs domain.PayloadRefs, actor string, fast bool) (domain.MutationRecord, error) {
	if !kind.Valid() {
		return domain.MutationRecord{}, fmt.Errorf("%w: %d", domain.ErrInvalidKind, int(kind))
	}
	if err := refs.Validate(kind); err != nil {
		return domain.MutationRecord{}, err
	}

	now := p.now()
	rec, err := p.repo.Insert(ctx, domain.MutationRecord{
		Kind:          kind,
		Refs:          refs,
		CreatedBy:     domain.TruncateActor(actor, p.cfg.ActorMaxLen),
		CreatedAt:     now,
		Status:        domain.StatusPending,
		NextAttemptAt: now,
	})
	if err != nil {
		return domain.MutationRecord{}, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	metrics.MutationsEnqueued.WithLabelValues(kind.String()).Inc()
	p.log.Debug("mutation queued", zap.Int64("id", rec.ID), zap.Stringer("kind", kind), zap.String("actor", rec.CreatedBy))

	p.wake.Ping(ctx)

	if fast {
		return rec, nil
	}
	return p.await(ctx, rec)
}

func (p *Producer) await(ctx context.Context, rec domain.MutationRecord) (domain.MutationRecord, error) {
	interval := p.cfg.InitialWait
	var total time.Duration
	for !rec.Applied && total+interval <= p.cfg.MaxWait {
		if !p.sleep(ctx, interval) {
			return rec, nil
		}
		total += interval
		interval *= 2

		fresh, err := p.repo.Get(ctx, rec.ID)
		if err != nil {
			return rec, fmt.Errorf("poll mutation %d: %w", rec.ID, err)
		}
		rec = fresh
	}
	if !rec.Applied {
		p.log.Debug("mutation still queued after wait", zap.Int64("id", rec.ID), zap.Duration("waited", total))
	}
	return rec, nil
}

func (p *Producer) StartSeason(ctx context.Context, actor string, fast bool) (domain.MutationRecord, error) {
	return p.Enqueue(ctx, domain.KindSeasonStart, domain.PayloadRefs{}, actor, fast)
}

func (p *Producer) FixAverages(ctx context.Context, seasonID int64, actor string, fast bool) (domain.MutationRecord, error) {
	return p.Enqueue(ctx, domain.KindFixAverages, domain.PayloadRefs{SeasonID: &seasonID}, actor, fast)
}

func (p *Producer) PromoteRegionToNational(ctx context.Context, subCompetitionID int64, actor string, fast bool) (domain.MutationRecord, error) {
	return p.Enqueue(ctx, domain.KindPromoteRegionToNational, domain.PayloadRefs{SubCompetitionID: &subCompetitionID}, actor, fast)
}

func (p *Producer) PromoteIndividualToFinal(ctx context.Context, seasonID int64, actor string, fast bool) (domain.MutationRecord, error) {
	return p.Enqueue(ctx, domain.KindPromoteIndividualToFinal, domain.PayloadRefs{SeasonID: &seasonID}, actor, fast)
}

func (p *Producer) PromoteTeamsToFinal(ctx context.Context, seasonID int64, actor string, fast bool) (domain.MutationRecord, error) {
	return p.Enqueue(ctx, domain.KindPromoteTeamsToFinal, domain.PayloadRefs{SeasonID: &seasonID}, actor, fast)
}

func (p *Producer) CloseIndividualFinal(ctx context.Context, seasonID int64, actor string, fast bool) (domain.MutationRecord, error) {
	return p.Enqueue(ctx, domain.KindCloseIndividualFinal, domain.PayloadRefs{SeasonID: &seasonID}, actor, fast)
}

func (p *Producer) CloseTeamFinal(ctx context.Context, seasonID int64, actor string, fast bool) (domain.MutationRecord, error) {
	return p.Enqueue(ctx, domain.KindCloseTeamFinal, domain.PayloadRefs{SeasonID: &seasonID}, actor, fast)
}

func (p *Producer) SetParticipantCut(ctx context.Context, subCompetitionID, classID int64, cutOld, cutNew int, actor string, fast bool) (domain.MutationRecord, error) {
	refs := domain.PayloadRefs{
		SubCompetitionID: &subCompetitionID,
		ClassID:          &classID,
		CutOld:           &cutOld,
		CutNew:           &cutNew,
	}
	return p.Enqueue(ctx, domain.KindSetParticipantCut, refs, actor, fast)
}

// sleepCtx reports false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
