package history

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-historian/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-historian/migrations"
)

func openTestRepo(t *testing.T) *SQLitePolicyRepository {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLitePolicyRepository(db.DB)
}

func TestSQLitePolicyRepository(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	policy := Policy{
		Enabled:              true,
		DebounceMs:           500,
		BlockTimeMs:          100,
		ChangesOnly:          true,
		ChangesRelogInterval: 3600,
		ChangesMinDelta:      0.25,
		AliasID:              "livingroom.temperature",
		Retention:            86400,
	}
	if err := repo.Save(ctx, "knx.1.2.3", policy); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if got := all["knx.1.2.3"]; got != policy {
		t.Errorf("List() = %+v, want %+v", got, policy)
	}

	policy.DebounceMs = 0
	if err := repo.Save(ctx, "knx.1.2.3", policy); err != nil {
		t.Fatalf("Save(update) error = %v", err)
	}
	if err := repo.UpdateStorageType(ctx, "knx.1.2.3", StorageNumber); err != nil {
		t.Fatalf("UpdateStorageType() error = %v", err)
	}
	all, _ = repo.List(ctx)
	got := all["knx.1.2.3"]
	if got.DebounceMs != 0 || got.StorageType != StorageNumber {
		t.Errorf("after update = %+v", got)
	}
	if len(all) != 1 {
		t.Errorf("List() returned %d policies, want 1", len(all))
	}

	if err := repo.Delete(ctx, "knx.1.2.3"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := repo.Delete(ctx, "knx.1.2.3"); !errors.Is(err, ErrNotTracked) {
		t.Errorf("Delete(missing) error = %v, want ErrNotTracked", err)
	}
	if err := repo.UpdateStorageType(ctx, "knx.1.2.3", StorageString); !errors.Is(err, ErrNotTracked) {
		t.Errorf("UpdateStorageType(missing) error = %v, want ErrNotTracked", err)
	}
}

func TestPipeline_LoadsPoliciesFromSQLite(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	if err := repo.Save(ctx, "sensor.temp", Policy{Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Save(ctx, "sensor.off", Policy{Enabled: false}); err != nil {
		t.Fatal(err)
	}

	p := NewPipeline(newFakeBackend(), repo, Settings{SeriesBufferMax: 10})
	runCtx, cancel := context.WithCancel(ctx)
	go p.Run(runCtx) //nolint:errcheck
	defer func() {
		cancel()
		<-p.Done()
	}()

	enabled, err := p.EnabledPoints(ctx)
	if err != nil {
		t.Fatalf("EnabledPoints() error = %v", err)
	}
	if _, ok := enabled["sensor.temp"]; !ok || len(enabled) != 1 {
		t.Errorf("EnabledPoints() = %v, want only sensor.temp", enabled)
	}
}
