package handler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/compmut/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/compmut/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/compmut/internal/adapters/wake"
	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
	"github.com/atvirokodosprendimai/compmut/internal/core/usecase"
	"github.com/atvirokodosprendimai/compmut/migrations"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type pipeline struct {
	store    *sqlite.CompetitionStore
	repo     *sqlite.MutationRepository
	producer *usecase.Producer
	worker   *usecase.Worker
}

func newPipeline(t *testing.T) pipeline {
	t.Helper()
	ctx := context.Background()
	db, err := gormsqlite.Open(filepath.Join(t.TempDir(), "pipeline.sqlite"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	wdb, err := db.WriteSQLDB()
	if err != nil {
		t.Fatalf("writer sql db: %v", err)
	}
	if err := migrations.Up(ctx, wdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := zap.NewNop()
	store := sqlite.NewCompetitionStore(db)
	repo := sqlite.NewMutationRepository(db)
	w := wake.NewLocal()
	table := usecase.NewDispatchTable(log, Default(store, []int{101, 102}, log)...)
	if err := table.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return pipeline{
		store:    store,
		repo:     repo,
		producer: usecase.NewProducer(repo, w, log, usecase.ProducerConfig{}),
		worker: usecase.NewWorker(repo, sqlite.NewProgressRepository(db), sqlite.NewLeaseRepository(db), table, w, nil, log,
			usecase.WorkerConfig{Owner: "test"}),
	}
}

func TestSeasonBootstrapRace(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			_, err := p.producer.StartSeason(ctx, "admin", true)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("producers: %v", err)
	}
	if n, err := p.repo.Count(ctx); err != nil || n != 2 {
		t.Fatalf("expected 2 records, got %d (%v)", n, err)
	}

	if err := p.worker.DrainPass(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	for id := int64(1); id <= 2; id++ {
		rec, err := p.repo.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %d: %v", id, err)
		}
		if !rec.Applied {
			t.Fatalf("record %d not applied: %+v", id, rec)
		}
	}
	season, err := p.store.SeasonByYear(ctx, domain.SeasonStartYear(time.Now()))
	if err != nil {
		t.Fatalf("season: %v", err)
	}
	subs, err := p.store.SubCompetitions(ctx, season.ID)
	if err != nil {
		t.Fatalf("sub competitions: %v", err)
	}
	// Two regions, one national round and one final.
	if len(subs) != 4 {
		t.Fatalf("expected 4 sub competitions for a single season, got %d", len(subs))
	}
}

func TestSynchronousProducerObservesWorker(t *testing.T) {
	p := newPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.worker.Run(ctx, time.Now().Add(time.Minute)) }()

	rec, err := p.producer.StartSeason(context.Background(), "admin", false)
	if err != nil {
		t.Fatalf("start season: %v", err)
	}
	if !rec.Applied {
		t.Fatalf("expected the running worker to apply the record within the wait")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("worker: %v", err)
	}
}

func TestSeasonLifecycleThroughQueue(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	if _, err := p.producer.StartSeason(ctx, "admin", true); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.worker.DrainPass(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	season, err := p.store.SeasonByYear(ctx, domain.SeasonStartYear(time.Now()))
	if err != nil {
		t.Fatalf("season: %v", err)
	}
	subs, err := p.store.SubCompetitions(ctx, season.ID)
	if err != nil {
		t.Fatalf("subs: %v", err)
	}
	regional := subs[0]
	for i, avg := range []float64{9.1, 8.7, 7.2} {
		if _, err := p.store.AddParticipant(ctx, domain.Participant{
			SubCompetitionID: regional.ID, AthleteNr: 100 + i, ClubNr: 1, ClassID: 1, Average: avg,
		}); err != nil {
			t.Fatalf("add participant: %v", err)
		}
	}

	steps := []func() error{
		func() error { _, err := p.producer.FixAverages(ctx, season.ID, "admin", true); return err },
		func() error {
			_, err := p.producer.SetParticipantCut(ctx, regional.ID, 1, 0, 2, "admin", true)
			return err
		},
		func() error { _, err := p.producer.PromoteRegionToNational(ctx, regional.ID, "admin", true); return err },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := p.worker.DrainPass(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	var national domain.SubCompetition
	for _, s := range subs {
		if s.Level == domain.LevelNational {
			national = s
		}
	}
	entries, err := p.store.Participants(ctx, national.ID)
	if err != nil {
		t.Fatalf("national participants: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected the two above the cut in the national round, got %+v", entries)
	}
	if entries[0].Rank != 1 || entries[1].Rank != 2 {
		t.Fatalf("national round not ranked: %+v", entries)
	}
}
