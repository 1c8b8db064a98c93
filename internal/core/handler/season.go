package handler

import (
	"context"
	"time"

	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
	"github.com/atvirokodosprendimai/compmut/internal/core/ports"
	"go.uber.org/zap"
)

// SeasonBootstrap creates the season of the current year with its regional,
// national and final sub competitions. A second request for the same year is a
// no-op.
type SeasonBootstrap struct {
	model   ports.CompetitionModel
	regions []int
	log     *zap.Logger
	now     func() time.Time
	routes  routes
}

func NewSeasonBootstrap(model ports.CompetitionModel, regions []int, log *zap.Logger) *SeasonBootstrap {
	h := &SeasonBootstrap{model: model, regions: regions, log: log, now: time.Now}
	h.routes = routes{domain.KindSeasonStart: h.startSeason}
	return h
}

func (h *SeasonBootstrap) Name() string         { return "season_bootstrap" }
func (h *SeasonBootstrap) Kinds() []domain.Kind { return h.routes.kinds() }

func (h *SeasonBootstrap) Offer(ctx context.Context, rec domain.MutationRecord) (bool, error) {
	return h.routes.offer(ctx, rec)
}

func (h *SeasonBootstrap) IdleMaintenance(context.Context) error { return nil }

func (h *SeasonBootstrap) startSeason(ctx context.Context, rec domain.MutationRecord) error {
	year := domain.SeasonStartYear(h.now())
	season, created, err := h.model.CreateSeason(ctx, year, h.regions)
	if err != nil {
		return err
	}
	if !created {
		h.log.Info("season already exists", zap.String("season", season.Label()), zap.Int64("id", rec.ID))
		return nil
	}
	h.log.Info("season started", zap.String("season", season.Label()), zap.Int("regions", len(h.regions)))
	return nil
}
