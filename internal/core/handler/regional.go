package handler

import (
	"context"

	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
	"github.com/atvirokodosprendimai/compmut/internal/core/ports"
	"go.uber.org/zap"
)

// idleReconcileBatch bounds the affiliation repair done per idle cycle so a
// large backlog does not delay the next wake.
const idleReconcileBatch = 50

// RegionalPromotion moves qualified regional participants to the national
// round. It also keeps individual entries in line with athletes who changed
// club outside the mutation flow.
type RegionalPromotion struct {
	model  ports.CompetitionModel
	log    *zap.Logger
	routes routes
}

func NewRegionalPromotion(model ports.CompetitionModel, log *zap.Logger) *RegionalPromotion {
	h := &RegionalPromotion{model: model, log: log}
	h.routes = routes{domain.KindPromoteRegionToNational: h.promote}
	return h
}

func (h *RegionalPromotion) Name() string         { return "regional_promotion" }
func (h *RegionalPromotion) Kinds() []domain.Kind { return h.routes.kinds() }

func (h *RegionalPromotion) Offer(ctx context.Context, rec domain.MutationRecord) (bool, error) {
	return h.routes.offer(ctx, rec)
}

func (h *RegionalPromotion) IdleMaintenance(ctx context.Context) error {
	n, err := h.model.ReconcileAffiliations(ctx, idleReconcileBatch)
	if err != nil {
		return err
	}
	if n > 0 {
		h.log.Info("affiliations reconciled", zap.Int("participants", n))
	}
	return nil
}

// Reconcile repairs all drift accumulated while no worker was running.
func (h *RegionalPromotion) Reconcile(ctx context.Context) error {
	n, err := h.model.ReconcileAffiliations(ctx, 0)
	if err != nil {
		return err
	}
	h.log.Debug("startup reconciliation", zap.Int("participants", n))
	return nil
}

func (h *RegionalPromotion) promote(ctx context.Context, rec domain.MutationRecord) error {
	subID, err := required(rec, "sub_competition_id", rec.Refs.SubCompetitionID)
	if err != nil {
		return err
	}
	n, err := h.model.PromoteRegionToNational(ctx, subID)
	if err != nil {
		return err
	}
	h.log.Info("region promoted to national", zap.Int64("sub_competition_id", subID), zap.Int("participants", n))
	return nil
}
