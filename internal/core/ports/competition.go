package ports

import (
	"context"

	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
)

// CompetitionModel is the sport domain model the handlers rewrite. Every
// method runs in its own transaction.
type CompetitionModel interface {
	SeasonByYear(ctx context.Context, year int) (domain.Season, error)
	// CreateSeason returns created=false when the season already exists.
	CreateSeason(ctx context.Context, year int, regions []int) (domain.Season, bool, error)
	FixAverages(ctx context.Context, seasonID int64) (int, error)
	PromoteRegionToNational(ctx context.Context, subCompetitionID int64) (int, error)
	OpenFinalRoster(ctx context.Context, seasonID int64, team bool) (int, error)
	CloseFinalRoster(ctx context.Context, seasonID int64, team bool) error
	SetCut(ctx context.Context, subCompetitionID, classID int64, cut int) (int, error)
	// ReconcileAffiliations moves at most limit participants whose athlete
	// changed club to the athlete's current club. limit <= 0 means all.
	ReconcileAffiliations(ctx context.Context, limit int) (int, error)
}
