// Package conflict detects divergence between the local and remote copies of
// a record and reconciles them into one version.
//
// Detection is three-way: each side is compared with the base, the last
// version both copies agreed on, so that "both changed" can be told apart
// from "one changed". A field changed by only one side is never a conflict.
package conflict

import (
	"errors"
	"fmt"
	"time"

	"offline-sync-engine/internal/config"
)

var (
	ErrManualResolution = errors.New("conflict requires manual resolution")
	ErrUnknownStrategy  = errors.New("unknown conflict resolution strategy")
)

type Type string

const (
	// UpdateUpdate: both sides changed the same field to different values.
	UpdateUpdate Type = "update_update"
	// UpdateDelete: local updated the record, remote deleted it.
	UpdateDelete Type = "update_delete"
	// DeleteUpdate: local deleted the record, remote updated it.
	DeleteUpdate Type = "delete_update"
	// CreateCreate: the same record was created independently on both sides.
	CreateCreate Type = "create_create"
	// TimestampSkew: the data agrees but the modification times are apart.
	TimestampSkew Type = "timestamp_skew"
	// VersionMismatch: both sides diverged and their version counters disagree.
	VersionMismatch Type = "version_mismatch"
	// FieldLevel: both sides changed, but never the same field.
	FieldLevel Type = "field_level"
	// Structural: a field changed type between the two sides.
	Structural Type = "structural"
)

var severities = map[Type]int{
	UpdateDelete:    100,
	DeleteUpdate:    100,
	Structural:      80,
	CreateCreate:    70,
	VersionMismatch: 50,
	UpdateUpdate:    40,
	TimestampSkew:   20,
	FieldLevel:      10,
}

// Severity ranks how much attention a conflict type deserves. It orders
// review queues and reports; resolution never consults it.
func Severity(t Type) int {
	return severities[t]
}

type Strategy string

const (
	ClientWins    Strategy = "client_wins"
	ServerWins    Strategy = "server_wins"
	TimestampWins Strategy = "timestamp_wins"
	VersionWins   Strategy = "version_wins"
	Merge         Strategy = "merge"
	Manual        Strategy = "manual"
	Custom        Strategy = "custom"
)

func Strategies() []Strategy {
	return []Strategy{ClientWins, ServerWins, TimestampWins, VersionWins, Merge, Manual, Custom}
}

// ParseStrategy accepts the configured names. The empty string means Merge.
func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return Merge, nil
	}
	for _, st := range Strategies() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

type Side string

const (
	Local  Side = "local"
	Remote Side = "remote"
)

// Snapshots are the three versions of one record. A nil Local or Remote
// means that side does not hold the record: deleted when Base is set, never
// created otherwise. A nil Base means the sides never agreed.
type Snapshots struct {
	Local  map[string]any
	Remote map[string]any
	Base   map[string]any
}

type Conflict struct {
	ID             string         `json:"id"`
	Collection     string         `json:"collection"`
	EntityID       string         `json:"entity_id"`
	Type           Type           `json:"type"`
	Local          map[string]any `json:"local"`
	Remote         map[string]any `json:"remote"`
	Base           map[string]any `json:"base,omitempty"`
	LocalModified  time.Time      `json:"local_modified,omitempty"`
	RemoteModified time.Time      `json:"remote_modified,omitempty"`
	DetectedAt     time.Time      `json:"detected_at"`
	// Fields lists the conflicting fields, sorted. Empty means the whole
	// record is in conflict.
	Fields   []string `json:"fields,omitempty"`
	Severity int      `json:"severity"`
}

type Resolution struct {
	ConflictID   string          `json:"conflict_id"`
	Strategy     Strategy        `json:"strategy"`
	Resolved     map[string]any  `json:"resolved"`
	Deleted      bool            `json:"deleted"`
	Success      bool            `json:"success"`
	Err          error           `json:"-"`
	FieldWinners map[string]Side `json:"field_winners,omitempty"`
	ResolvedAt   time.Time       `json:"resolved_at"`
}

type Config struct {
	DefaultStrategy Strategy
	TimestampField  string
	VersionField    string
	// Modification times closer than this are considered equal.
	SkewTolerance time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultStrategy: Merge,
		TimestampField:  "updated_at",
		VersionField:    "version",
		SkewTolerance:   time.Second,
	}
}

func ConfigFrom(c config.ConflictConfig) (Config, error) {
	cfg := DefaultConfig()
	st, err := ParseStrategy(c.DefaultStrategy)
	if err != nil {
		return cfg, err
	}
	cfg.DefaultStrategy = st
	if c.TimestampField != "" {
		cfg.TimestampField = c.TimestampField
	}
	if c.VersionField != "" {
		cfg.VersionField = c.VersionField
	}
	if c.SkewTolerance > 0 {
		cfg.SkewTolerance = c.SkewTolerance
	}
	return cfg, nil
}
