package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrUnknownKind = errors.New("unknown mutation kind")
	ErrInvalidKind = errors.New("invalid mutation kind")
	ErrInvalidRefs = errors.New("invalid payload references")
)

// DefaultActorMaxLen bounds MutationRecord.CreatedBy.
const DefaultActorMaxLen = 150

// Kind is the discriminant of a MutationRecord.
type Kind int

const (
	KindSeasonStart Kind = iota + 1
	KindFixAverages
	KindPromoteRegionToNational
	KindPromoteIndividualToFinal
	KindPromoteTeamsToFinal
	KindCloseIndividualFinal
	KindCloseTeamFinal
	KindSetParticipantCut
)

var kindNames = map[Kind]string{
	KindSeasonStart:              "season_start",
	KindFixAverages:              "fix_averages",
	KindPromoteRegionToNational:  "promote_region_to_national",
	KindPromoteIndividualToFinal: "promote_individual_to_final",
	KindPromoteTeamsToFinal:      "promote_teams_to_final",
	KindCloseIndividualFinal:     "close_individual_final",
	KindCloseTeamFinal:           "close_team_final",
	KindSetParticipantCut:        "set_participant_cut",
}

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindSeasonStart,
		KindFixAverages,
		KindPromoteRegionToNational,
		KindPromoteIndividualToFinal,
		KindPromoteTeamsToFinal,
		KindCloseIndividualFinal,
		KindCloseTeamFinal,
		KindSetParticipantCut,
	}
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind accepts the snake_case name of a kind.
func ParseKind(s string) (Kind, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusApplied  Status = "applied"
	StatusDead     Status = "dead"
	StatusResolved Status = "resolved"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApplied, StatusDead, StatusResolved:
		return true
	}
	return false
}

// PayloadRefs holds the optional references of a mutation. Only the fields
// relevant to the kind are set.
type PayloadRefs struct {
	SeasonID         *int64 `json:"season_id,omitempty"`
	SubCompetitionID *int64 `json:"sub_competition_id,omitempty"`
	ClassID          *int64 `json:"class_id,omitempty"`
	ParticipantID    *int64 `json:"participant_id,omitempty"`
	CutOld           *int   `json:"cut_old,omitempty"`
	CutNew           *int   `json:"cut_new,omitempty"`
}

// Validate checks that the references required by kind are present.
func (r PayloadRefs) Validate(kind Kind) error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidRefs, kind, field)
	}
	switch kind {
	case KindSeasonStart:
		return nil
	case KindFixAverages, KindPromoteIndividualToFinal, KindPromoteTeamsToFinal,
		KindCloseIndividualFinal, KindCloseTeamFinal:
		if r.SeasonID == nil {
			return missing("season_id")
		}
	case KindPromoteRegionToNational:
		if r.SubCompetitionID == nil {
			return missing("sub_competition_id")
		}
	case KindSetParticipantCut:
		if r.SubCompetitionID == nil {
			return missing("sub_competition_id")
		}
		if r.ClassID == nil {
			return missing("class_id")
		}
		if r.CutNew == nil {
			return missing("cut_new")
		}
		if *r.CutNew < 0 || (r.CutOld != nil && *r.CutOld < 0) {
			return fmt.Errorf("%w: cut must not be negative", ErrInvalidRefs)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return nil
}

// MutationRecord is one outbox entry. Records are append-only: apart from the
// processing bookkeeping, only the applied flag ever changes, and only once.
type MutationRecord struct {
	ID            int64
	Kind          Kind
	Refs          PayloadRefs
	CreatedBy     string
	CreatedAt     time.Time
	Applied       bool
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	AppliedAt     *time.Time
}

// Retryable reports whether the worker may still offer the record to a handler.
func (m MutationRecord) Retryable() bool {
	return !m.Applied && m.Status == StatusPending
}

// TruncateActor cuts s to at most max runes. It never fails.
func TruncateActor(s string, max int) string {
	if max <= 0 {
		max = DefaultActorMaxLen
	}
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// MutationFilter selects records for the operator queue.
type MutationFilter struct {
	Status  Status
	AfterID int64
	Limit   int
}

// ProgressMarker is the high-water mark of the worker: the highest record id
// seen at the start of the latest drain pass. Nil means "nothing seen yet".
type ProgressMarker struct {
	LatestID  *int64
	UpdatedAt time.Time
}

// Lease guards the single-applier invariant across worker processes.
type Lease struct {
	Name       string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}
