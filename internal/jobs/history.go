package jobs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"jclipper/internal/output"
	"jclipper/internal/planner"
)

// Bucket layout: one bucket of published clips, keyed by record id.
var bucketClips = []byte("clips")

// Record describes a published clip surviving in the output directory.
type Record struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Path      string         `json:"path"`
	Format    planner.Format `json:"format"`
	Size      int64          `json:"size"`
	Duration  time.Duration  `json:"duration"`
	CreatedAt time.Time      `json:"created_at"`
}

// History persists published clip records in an embedded BoltDB database so
// the output directory's contents remain browsable across restarts.
type History struct {
	db      *bbolt.DB
	outputs *output.Manager
	logger  *slog.Logger
}

// NewHistory opens (or creates) the history database inside the output root.
func NewHistory(outputs *output.Manager, logger *slog.Logger) (*History, error) {
	dbPath := filepath.Join(outputs.OutputDir(), "jclipper.db")

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database at %s: %w", dbPath, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketClips)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history bucket: %w", err)
	}

	logger.Info("History database opened", "db_path", dbPath)

	return &History{
		db:      db,
		outputs: outputs,
		logger:  logger,
	}, nil
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}

// Add records a published clip. The record's Size is filled in from the file
// on disk when unset.
func (h *History) Add(record *Record) error {
	if record.ID == "" || record.Path == "" {
		return fmt.Errorf("history record must have an ID and a path")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	if record.Size == 0 {
		if info, err := os.Stat(record.Path); err == nil {
			record.Size = info.Size()
		}
	}

	return h.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal history record: %w", err)
		}
		if err := tx.Bucket(bucketClips).Put([]byte(record.ID), data); err != nil {
			return fmt.Errorf("failed to store history record: %w", err)
		}

		h.logger.Debug("History record added",
			"record_id", record.ID,
			"path", record.Path,
			"size_bytes", record.Size)
		return nil
	})
}

// Get returns one record by id.
func (h *History) Get(id string) (*Record, error) {
	var record Record
	err := h.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketClips).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// List returns every record, newest first.
func (h *History) List() ([]*Record, error) {
	var records []*Record

	err := h.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketClips).ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				h.logger.Warn("Failed to unmarshal history record",
					"key", string(k),
					"error", err)
				return nil // skip, keep iterating
			}
			records = append(records, &record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Delete removes one record and its file on disk.
func (h *History) Delete(id string) error {
	record, err := h.Get(id)
	if err != nil {
		return err
	}

	if err := h.outputs.RemoveArtifact(record.Path); err != nil {
		return err
	}

	return h.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketClips).Delete([]byte(id)); err != nil {
			return fmt.Errorf("failed to delete history record: %w", err)
		}
		h.logger.Info("History record deleted", "record_id", id, "path", record.Path)
		return nil
	})
}

// Clear removes every record and every recorded file. Files that fail to
// delete keep their records so the history never points at phantom state in
// one direction only.
func (h *History) Clear() (int, error) {
	records, err := h.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, record := range records {
		if err := h.Delete(record.ID); err != nil {
			h.logger.Error("Failed to clear history record",
				"record_id", record.ID,
				"error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
