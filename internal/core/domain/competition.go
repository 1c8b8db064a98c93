package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrLeaseHeld = errors.New("worker lease held by another owner")
	ErrLeaseLost = errors.New("worker lease lost")
)

// The competition entities below belong to the sport domain model. The
// mutation pipeline only reads and rewrites them through handlers.

type Level string

const (
	LevelRegional Level = "regional"
	LevelNational Level = "national"
	LevelFinal    Level = "final"
)

type RosterState string

const (
	RosterNone   RosterState = "none"
	RosterOpen   RosterState = "open"
	RosterClosed RosterState = "closed"
)

type Season struct {
	ID              int64
	StartYear       int
	AveragesFixedAt *time.Time
	CreatedAt       time.Time
}

func (s Season) Label() string {
	return fmt.Sprintf("%d/%d", s.StartYear, s.StartYear+1)
}

// SeasonStartYear is the year a season started at now belongs to.
func SeasonStartYear(now time.Time) int {
	return now.Year()
}

type SubCompetition struct {
	ID          int64
	SeasonID    int64
	Level       Level
	RegionNr    int
	Closed      bool
	IndivRoster RosterState
	TeamRoster  RosterState
}

type Participant struct {
	ID               int64
	SubCompetitionID int64
	AthleteNr        int
	ClubNr           int
	ClassID          int64
	IsTeam           bool
	Average          float64
	Rank             int
	AboveCut         bool
}

type ClassCut struct {
	SubCompetitionID int64
	ClassID          int64
	Cut              int
}
