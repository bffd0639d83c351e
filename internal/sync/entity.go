package sync

import (
	"errors"
	"fmt"

	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/conflict"
	"offline-sync-engine/internal/priority"
	"offline-sync-engine/internal/scheduler"
)

var ErrUnknownEntity = errors.New("sync: unknown entity")

// Entity is a collection the manager keeps in sync.
type Entity struct {
	Name       string
	Priority   priority.Level
	Schedule   scheduler.Strategy
	Conflict   conflict.Strategy // empty means the engine default
	BatchSize  int               // 0 means the sync-wide cycle batch size
	PrimaryKey string
}

func EntityFromTable(t config.TableConfig) (Entity, error) {
	p, err := priority.Parse(t.Priority)
	if err != nil {
		return Entity{}, fmt.Errorf("table %s: %w", t.Name, err)
	}
	st, err := scheduler.StrategyFromTable(t)
	if err != nil {
		return Entity{}, fmt.Errorf("table %s: %w", t.Name, err)
	}
	var cs conflict.Strategy
	if t.ConflictResolution != "" {
		if cs, err = conflict.ParseStrategy(t.ConflictResolution); err != nil {
			return Entity{}, fmt.Errorf("table %s: %w", t.Name, err)
		}
	}
	pk := t.PrimaryKey
	if pk == "" {
		pk = "id"
	}
	return Entity{
		Name:       t.Name,
		Priority:   p,
		Schedule:   st,
		Conflict:   cs,
		BatchSize:  t.BatchSize,
		PrimaryKey: pk,
	}, nil
}
