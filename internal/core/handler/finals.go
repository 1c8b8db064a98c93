package handler

import (
	"context"

	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
	"github.com/atvirokodosprendimai/compmut/internal/core/ports"
	"go.uber.org/zap"
)

// Finals opens and closes the final rosters and moves class cut lines.
type Finals struct {
	model  ports.CompetitionModel
	log    *zap.Logger
	routes routes
}

func NewFinals(model ports.CompetitionModel, log *zap.Logger) *Finals {
	h := &Finals{model: model, log: log}
	h.routes = routes{
		domain.KindPromoteIndividualToFinal: h.open(false),
		domain.KindPromoteTeamsToFinal:      h.open(true),
		domain.KindCloseIndividualFinal:     h.close(false),
		domain.KindCloseTeamFinal:           h.close(true),
		domain.KindSetParticipantCut:        h.setCut,
	}
	return h
}

func (h *Finals) Name() string         { return "finals" }
func (h *Finals) Kinds() []domain.Kind { return h.routes.kinds() }

func (h *Finals) Offer(ctx context.Context, rec domain.MutationRecord) (bool, error) {
	return h.routes.offer(ctx, rec)
}

func (h *Finals) IdleMaintenance(context.Context) error { return nil }

func (h *Finals) open(team bool) applyFunc {
	return func(ctx context.Context, rec domain.MutationRecord) error {
		seasonID, err := required(rec, "season_id", rec.Refs.SeasonID)
		if err != nil {
			return err
		}
		n, err := h.model.OpenFinalRoster(ctx, seasonID, team)
		if err != nil {
			return err
		}
		h.log.Info("final roster opened", zap.Int64("season_id", seasonID), zap.Bool("team", team), zap.Int("entries", n))
		return nil
	}
}

func (h *Finals) close(team bool) applyFunc {
	return func(ctx context.Context, rec domain.MutationRecord) error {
		seasonID, err := required(rec, "season_id", rec.Refs.SeasonID)
		if err != nil {
			return err
		}
		if err := h.model.CloseFinalRoster(ctx, seasonID, team); err != nil {
			return err
		}
		h.log.Info("final roster closed", zap.Int64("season_id", seasonID), zap.Bool("team", team))
		return nil
	}
}

func (h *Finals) setCut(ctx context.Context, rec domain.MutationRecord) error {
	subID, err := required(rec, "sub_competition_id", rec.Refs.SubCompetitionID)
	if err != nil {
		return err
	}
	classID, err := required(rec, "class_id", rec.Refs.ClassID)
	if err != nil {
		return err
	}
	if rec.Refs.CutNew == nil {
		return missing(rec, "cut_new")
	}
	fields := []zap.Field{zap.Int64("sub_competition_id", subID), zap.Int64("class_id", classID), zap.Int("cut", *rec.Refs.CutNew)}
	if rec.Refs.CutOld != nil {
		fields = append(fields, zap.Int("cut_old", *rec.Refs.CutOld))
	}
	n, err := h.model.SetCut(ctx, subID, classID, *rec.Refs.CutNew)
	if err != nil {
		return err
	}
	h.log.Info("class cut changed", append(fields, zap.Int("changed", n))...)
	return nil
}
