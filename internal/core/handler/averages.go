package handler

import (
	"context"

	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
	"github.com/atvirokodosprendimai/compmut/internal/core/ports"
	"go.uber.org/zap"
)

type Averages struct {
	model  ports.CompetitionModel
	log    *zap.Logger
	routes routes
}

func NewAverages(model ports.CompetitionModel, log *zap.Logger) *Averages {
	h := &Averages{model: model, log: log}
	h.routes = routes{domain.KindFixAverages: h.fixAverages}
	return h
}

func (h *Averages) Name() string         { return "averages" }
func (h *Averages) Kinds() []domain.Kind { return h.routes.kinds() }

func (h *Averages) Offer(ctx context.Context, rec domain.MutationRecord) (bool, error) {
	return h.routes.offer(ctx, rec)
}

func (h *Averages) IdleMaintenance(context.Context) error { return nil }

func (h *Averages) fixAverages(ctx context.Context, rec domain.MutationRecord) error {
	seasonID, err := required(rec, "season_id", rec.Refs.SeasonID)
	if err != nil {
		return err
	}
	n, err := h.model.FixAverages(ctx, seasonID)
	if err != nil {
		return err
	}
	h.log.Info("averages fixed", zap.Int64("season_id", seasonID), zap.Int("participants", n))
	return nil
}
