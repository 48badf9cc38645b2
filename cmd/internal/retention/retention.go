// Package retention decides which backup artifacts of a target can be deleted.
//
// The newest artifacts are kept up to a configured count. Artifacts taken on the first day of a month are
// checkpoints and are never deleted.
package retention

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
)

// Entry is a decoded artifact of a single target
type Entry struct {
	Timestamp time.Time
	Name      string
}

// IsCheckpoint returns true for artifacts taken on the first day of a month
func (e Entry) IsCheckpoint() bool {
	return e.Timestamp.Day() == 1
}

// Decision partitions the entries of a target
type Decision struct {
	Keep   []Entry
	Delete []Entry
}

// Names returns the names of the entries to delete
func (d Decision) Names() []string {
	names := make([]string, 0, len(d.Delete))
	for _, e := range d.Delete {
		names = append(names, e.Name)
	}
	return names
}

// DecodeFunc returns the timestamp of an artifact name, ok is false for names of other targets
type DecodeFunc func(name string) (t time.Time, ok bool, err error)

// Sort sorts the entries by timestamp, oldest first
func Sort(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}

// Scan turns a storage listing into sorted entries.
// Names of other targets are ignored, names with malformed timestamps are logged and skipped.
func Scan(log *slog.Logger, names []string, decode DecodeFunc) []Entry {
	var entries []Entry
	for _, name := range names {
		t, ok, err := decode(name)
		if err != nil {
			log.Warn("skipping foreign or corrupted artifact", "name", name, "error", err)
			continue
		}
		if !ok {
			continue
		}
		entries = append(entries, Entry{Timestamp: t, Name: name})
	}

	Sort(entries)

	return entries
}

// Plan computes the retention decision for the entries of one target
func Plan(entries []Entry, keep int) (Decision, error) {
	if keep <= 0 {
		return Decision{}, backuperrors.ConfigurationError{Msg: fmt.Sprintf("keep count must be at least 1, got %d", keep)}
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	Sort(sorted)

	if len(sorted) <= keep {
		return Decision{Keep: sorted}, nil
	}

	var (
		d          Decision
		candidates = len(sorted) - keep
	)
	for i, e := range sorted {
		if i < candidates && !e.IsCheckpoint() {
			d.Delete = append(d.Delete, e)
			continue
		}
		d.Keep = append(d.Keep, e)
	}

	return d, nil
}

// ComputeDeletions returns the names of the artifacts to delete
func ComputeDeletions(entries []Entry, keep int) ([]string, error) {
	d, err := Plan(entries, keep)
	if err != nil {
		return nil, err
	}
	return d.Names(), nil
}
