package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/compmut/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type seasonModel struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement"`
	StartYear       int        `gorm:"column:start_year;not null"`
	AveragesFixedAt *time.Time `gorm:"column:averages_fixed_at"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null"`
}

func (seasonModel) TableName() string { return "seasons" }

type subCompetitionModel struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	SeasonID    int64  `gorm:"column:season_id;not null"`
	Level       string `gorm:"column:level;not null"`
	RegionNr    int    `gorm:"column:region_nr;not null"`
	Closed      bool   `gorm:"column:closed;not null"`
	IndivRoster string `gorm:"column:indiv_roster;not null"`
	TeamRoster  string `gorm:"column:team_roster;not null"`
}

func (subCompetitionModel) TableName() string { return "sub_competitions" }

type participantModel struct {
	ID               int64   `gorm:"column:id;primaryKey;autoIncrement"`
	SubCompetitionID int64   `gorm:"column:sub_competition_id;not null"`
	AthleteNr        int     `gorm:"column:athlete_nr;not null"`
	ClubNr           int     `gorm:"column:club_nr;not null"`
	ClassID          int64   `gorm:"column:class_id;not null"`
	IsTeam           bool    `gorm:"column:is_team;not null"`
	Average          float64 `gorm:"column:average;not null"`
	Rank             int     `gorm:"column:rank;not null"`
	AboveCut         bool    `gorm:"column:above_cut;not null"`
}

func (participantModel) TableName() string { return "participants" }

type athleteModel struct {
	Nr     int    `gorm:"column:nr;primaryKey"`
	Name   string `gorm:"column:name;not null"`
	ClubNr int    `gorm:"column:club_nr;not null"`
}

func (athleteModel) TableName() string { return "athletes" }

type classCutModel struct {
	SubCompetitionID int64 `gorm:"column:sub_competition_id;primaryKey"`
	ClassID          int64 `gorm:"column:class_id;primaryKey"`
	Cut              int   `gorm:"column:cut;not null"`
}

func (classCutModel) TableName() string { return "class_cuts" }

// CompetitionStore is a small SQLite rendition of the competition model. The
// ranking rules are deliberately plain: rank by average within a class, and a
// class cut decides who moves on.
type CompetitionStore struct {
	db  *gormsqlite.DB
	now func() time.Time
}

func NewCompetitionStore(db *gormsqlite.DB) *CompetitionStore {
	return &CompetitionStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *CompetitionStore) SeasonByYear(ctx context.Context, year int) (domain.Season, error) {
	var model seasonModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("start_year = ?", year).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Season{}, domain.ErrNotFound
		}
		return domain.Season{}, fmt.Errorf("season %d: %w", year, err)
	}
	return seasonToDomain(model), nil
}

func (s *CompetitionStore) CreateSeason(ctx context.Context, year int, regions []int) (domain.Season, bool, error) {
	var (
		model   seasonModel
		created bool
	)
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		err := tx.Where("start_year = ?", year).First(&model).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		model = seasonModel{StartYear: year, CreatedAt: s.now()}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		subs := make([]subCompetitionModel, 0, len(regions)+2)
		for _, nr := range regions {
			subs = append(subs, newSubCompetition(model.ID, domain.LevelRegional, nr))
		}
		subs = append(subs,
			newSubCompetition(model.ID, domain.LevelNational, 0),
			newSubCompetition(model.ID, domain.LevelFinal, 0),
		)
		if err := tx.Create(&subs).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return domain.Season{}, false, fmt.Errorf("create season %d: %w", year, err)
	}
	return seasonToDomain(model), created, nil
}

// FixAverages ranks every regional participant of the season by average and
// freezes the result. A season whose averages are already fixed is left as is.
func (s *CompetitionStore) FixAverages(ctx context.Context, seasonID int64) (int, error) {
	var updated int
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		var season seasonModel
		if err := tx.Where("id = ?", seasonID).First(&season).Error; err != nil {
			return notFound(err)
		}
		if season.AveragesFixedAt != nil {
			return nil
		}
		var subIDs []int64
		if err := tx.Model(&subCompetitionModel{}).
			Where("season_id = ? AND level = ?", seasonID, string(domain.LevelRegional)).
			Pluck("id", &subIDs).Error; err != nil {
			return err
		}
		for _, id := range subIDs {
			n, err := rankParticipants(tx, id)
			if err != nil {
				return err
			}
			updated += n
		}
		now := s.now()
		return tx.Model(&seasonModel{}).Where("id = ?", seasonID).Update("averages_fixed_at", &now).Error
	})
	if err != nil {
		return 0, fmt.Errorf("fix averages of season %d: %w", seasonID, err)
	}
	return updated, nil
}

func (s *CompetitionStore) PromoteRegionToNational(ctx context.Context, subCompetitionID int64) (int, error) {
	var promoted int
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		var regional subCompetitionModel
		if err := tx.Where("id = ?", subCompetitionID).First(&regional).Error; err != nil {
			return notFound(err)
		}
		if regional.Level != string(domain.LevelRegional) {
			return fmt.Errorf("sub competition %d is %s, not regional", regional.ID, regional.Level)
		}
		if regional.Closed {
			return nil
		}
		national, err := subCompetitionAt(tx, regional.SeasonID, domain.LevelNational)
		if err != nil {
			return err
		}
		n, err := copyAboveCut(tx, regional.ID, national.ID, nil)
		if err != nil {
			return err
		}
		promoted = n
		if _, err := rankParticipants(tx, national.ID); err != nil {
			return err
		}
		return tx.Model(&subCompetitionModel{}).Where("id = ?", regional.ID).Update("closed", true).Error
	})
	if err != nil {
		return 0, fmt.Errorf("promote region %d: %w", subCompetitionID, err)
	}
	return promoted, nil
}

func (s *CompetitionStore) OpenFinalRoster(ctx context.Context, seasonID int64, team bool) (int, error) {
	var promoted int
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		national, err := subCompetitionAt(tx, seasonID, domain.LevelNational)
		if err != nil {
			return err
		}
		final, err := subCompetitionAt(tx, seasonID, domain.LevelFinal)
		if err != nil {
			return err
		}
		column, state := rosterColumn(final, team)
		if state != string(domain.RosterNone) {
			return nil
		}
		n, err := copyAboveCut(tx, national.ID, final.ID, &team)
		if err != nil {
			return err
		}
		promoted = n
		return tx.Model(&subCompetitionModel{}).Where("id = ?", final.ID).
			Update(column, string(domain.RosterOpen)).Error
	})
	if err != nil {
		return 0, fmt.Errorf("open final roster of season %d: %w", seasonID, err)
	}
	return promoted, nil
}

func (s *CompetitionStore) CloseFinalRoster(ctx context.Context, seasonID int64, team bool) error {
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		final, err := subCompetitionAt(tx, seasonID, domain.LevelFinal)
		if err != nil {
			return err
		}
		column, state := rosterColumn(final, team)
		if state == string(domain.RosterClosed) {
			return nil
		}
		updates := map[string]any{column: string(domain.RosterClosed)}
		other := final.TeamRoster
		if team {
			other = final.IndivRoster
		}
		if other == string(domain.RosterClosed) {
			updates["closed"] = true
		}
		return tx.Model(&subCompetitionModel{}).Where("id = ?", final.ID).Updates(updates).Error
	})
	if err != nil {
		return fmt.Errorf("close final roster of season %d: %w", seasonID, err)
	}
	return nil
}

func (s *CompetitionStore) SetCut(ctx context.Context, subCompetitionID, classID int64, cut int) (int, error) {
	var changed int
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		var sub subCompetitionModel
		if err := tx.Where("id = ?", subCompetitionID).First(&sub).Error; err != nil {
			return notFound(err)
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sub_competition_id"}, {Name: "class_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"cut"}),
		}).Create(&classCutModel{SubCompetitionID: subCompetitionID, ClassID: classID, Cut: cut}).Error; err != nil {
			return err
		}
		above := tx.Model(&participantModel{}).
			Where("sub_competition_id = ? AND class_id = ? AND rank > 0 AND rank <= ? AND above_cut = ?",
				subCompetitionID, classID, cut, false).
			Update("above_cut", true)
		if above.Error != nil {
			return above.Error
		}
		below := tx.Model(&participantModel{}).
			Where("sub_competition_id = ? AND class_id = ? AND (rank = 0 OR rank > ?) AND above_cut = ?",
				subCompetitionID, classID, cut, true).
			Update("above_cut", false)
		if below.Error != nil {
			return below.Error
		}
		changed = int(above.RowsAffected + below.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("set cut %d/%d: %w", subCompetitionID, classID, err)
	}
	return changed, nil
}

// ReconcileAffiliations copies the current club of an athlete onto its
// individual entries in sub competitions that are still open.
func (s *CompetitionStore) ReconcileAffiliations(ctx context.Context, limit int) (int, error) {
	var moved int
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		type drift struct {
			ID     int64
			ClubNr int
		}
		var rows []drift
		query := tx.Table("participants AS p").
			Select("p.id AS id, a.club_nr AS club_nr").
			Joins("JOIN athletes a ON a.nr = p.athlete_nr").
			Joins("JOIN sub_competitions sc ON sc.id = p.sub_competition_id").
			Where("p.is_team = ? AND sc.closed = ? AND p.club_nr <> a.club_nr", false, false).
			Order("p.id ASC")
		if limit > 0 {
			query = query.Limit(limit)
		}
		if err := query.Scan(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			if err := tx.Model(&participantModel{}).Where("id = ?", row.ID).Update("club_nr", row.ClubNr).Error; err != nil {
				return err
			}
		}
		moved = len(rows)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reconcile affiliations: %w", err)
	}
	return moved, nil
}

// SubCompetitions lists the sub competitions of a season in id order.
func (s *CompetitionStore) SubCompetitions(ctx context.Context, seasonID int64) ([]domain.SubCompetition, error) {
	var rows []subCompetitionModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("season_id = ?", seasonID).Order("id ASC").Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("sub competitions of season %d: %w", seasonID, err)
	}
	result := make([]domain.SubCompetition, 0, len(rows))
	for _, row := range rows {
		result = append(result, domain.SubCompetition{
			ID:          row.ID,
			SeasonID:    row.SeasonID,
			Level:       domain.Level(row.Level),
			RegionNr:    row.RegionNr,
			Closed:      row.Closed,
			IndivRoster: domain.RosterState(row.IndivRoster),
			TeamRoster:  domain.RosterState(row.TeamRoster),
		})
	}
	return result, nil
}

func (s *CompetitionStore) Participants(ctx context.Context, subCompetitionID int64) ([]domain.Participant, error) {
	var rows []participantModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("sub_competition_id = ?", subCompetitionID).Order("id ASC").Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("participants of %d: %w", subCompetitionID, err)
	}
	result := make([]domain.Participant, 0, len(rows))
	for _, row := range rows {
		result = append(result, domain.Participant{
			ID:               row.ID,
			SubCompetitionID: row.SubCompetitionID,
			AthleteNr:        row.AthleteNr,
			ClubNr:           row.ClubNr,
			ClassID:          row.ClassID,
			IsTeam:           row.IsTeam,
			Average:          row.Average,
			Rank:             row.Rank,
			AboveCut:         row.AboveCut,
		})
	}
	return result, nil
}

// AddParticipant registers an entry; athletes are upserted so affiliation
// drift can be detected later.
func (s *CompetitionStore) AddParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	model := participantModel{
		SubCompetitionID: p.SubCompetitionID,
		AthleteNr:        p.AthleteNr,
		ClubNr:           p.ClubNr,
		ClassID:          p.ClassID,
		IsTeam:           p.IsTeam,
		Average:          p.Average,
	}
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		if !p.IsTeam {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&athleteModel{Nr: p.AthleteNr, ClubNr: p.ClubNr}).Error; err != nil {
				return err
			}
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.Participant{}, fmt.Errorf("add participant: %w", err)
	}
	p.ID = model.ID
	return p, nil
}

func (s *CompetitionStore) MoveAthlete(ctx context.Context, athleteNr, clubNr int) error {
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&athleteModel{}).Where("nr = ?", athleteNr).Update("club_nr", clubNr).Error
	})
	if err != nil {
		return fmt.Errorf("move athlete %d: %w", athleteNr, err)
	}
	return nil
}

func newSubCompetition(seasonID int64, level domain.Level, regionNr int) subCompetitionModel {
	return subCompetitionModel{
		SeasonID:    seasonID,
		Level:       string(level),
		RegionNr:    regionNr,
		IndivRoster: string(domain.RosterNone),
		TeamRoster:  string(domain.RosterNone),
	}
}

func subCompetitionAt(tx *gormsqlite.Tx, seasonID int64, level domain.Level) (subCompetitionModel, error) {
	var sub subCompetitionModel
	err := tx.Where("season_id = ? AND level = ?", seasonID, string(level)).First(&sub).Error
	if err != nil {
		return subCompetitionModel{}, notFound(err)
	}
	return sub, nil
}

func rosterColumn(sub subCompetitionModel, team bool) (string, string) {
	if team {
		return "team_roster", sub.TeamRoster
	}
	return "indiv_roster", sub.IndivRoster
}

// rankParticipants numbers the entries of each class by descending average and
// applies the class cut. A class without a cut lets everyone through.
func rankParticipants(tx *gormsqlite.Tx, subCompetitionID int64) (int, error) {
	var rows []participantModel
	if err := tx.Where("sub_competition_id = ?", subCompetitionID).
		Order("class_id ASC, is_team ASC, average DESC, id ASC").
		Find(&rows).Error; err != nil {
		return 0, err
	}
	var cuts []classCutModel
	if err := tx.Where("sub_competition_id = ?", subCompetitionID).Find(&cuts).Error; err != nil {
		return 0, err
	}
	cutOf := make(map[int64]int, len(cuts))
	for _, c := range cuts {
		cutOf[c.ClassID] = c.Cut
	}

	type group struct {
		class int64
		team  bool
	}
	var (
		current group
		rank    int
	)
	for i, row := range rows {
		g := group{class: row.ClassID, team: row.IsTeam}
		if i == 0 || g != current {
			current, rank = g, 0
		}
		rank++
		cut, hasCut := cutOf[row.ClassID]
		above := !hasCut || rank <= cut
		if err := tx.Model(&participantModel{}).Where("id = ?", row.ID).
			Updates(map[string]any{"rank": rank, "above_cut": above}).Error; err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}

// copyAboveCut enters everyone above the cut in from into to. team filters on
// the participant type when set.
func copyAboveCut(tx *gormsqlite.Tx, from, to int64, team *bool) (int, error) {
	query := tx.Where("sub_competition_id = ? AND above_cut = ?", from, true)
	if team != nil {
		query = query.Where("is_team = ?", *team)
	}
	var rows []participantModel
	if err := query.Order("id ASC").Find(&rows).Error; err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	copies := make([]participantModel, 0, len(rows))
	for _, row := range rows {
		copies = append(copies, participantModel{
			SubCompetitionID: to,
			AthleteNr:        row.AthleteNr,
			ClubNr:           row.ClubNr,
			ClassID:          row.ClassID,
			IsTeam:           row.IsTeam,
			Average:          row.Average,
			AboveCut:         true,
		})
	}
	if err := tx.Create(&copies).Error; err != nil {
		return 0, err
	}
	return len(copies), nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}

func seasonToDomain(m seasonModel) domain.Season {
	return domain.Season{ID: m.ID, StartYear: m.StartYear, AveragesFixedAt: m.AveragesFixedAt, CreatedAt: m.CreatedAt}
}
