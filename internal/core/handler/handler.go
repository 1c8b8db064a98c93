package handler

import (
	"github.com/atvirokodosprendimai/compmut/internal/core/ports"
	"github.com/atvirokodosprendimai/compmut/internal/core/usecase"
	"go.uber.org/zap"
)

// Default returns the handlers in lifecycle order, most global first.
func Default(model ports.CompetitionModel, regions []int, log *zap.Logger) []usecase.MutationHandler {
	return []usecase.MutationHandler{
		NewSeasonBootstrap(model, regions, log.Named("season")),
		NewAverages(model, log.Named("averages")),
		NewRegionalPromotion(model, log.Named("regional")),
		NewFinals(model, log.Named("finals")),
	}
}
