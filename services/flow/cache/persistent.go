// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/flowtrace/services/flow/analysis"
)

// FormatVersion is the durable record format. A stored version
// mismatch triggers a full cache reset, never a partial migration.
const FormatVersion = 1

// Durable tier defaults.
const (
	DefaultRetention  = 7 * 24 * time.Hour
	DefaultMaxEntries = 2000
)

const (
	entryPrefix = "analysis/"
	metaVersion = "meta/format_version"
)

// persistentRecord is the on-disk envelope for one analysis.
type persistentRecord struct {
	FormatVersion  int                      `json:"format_version"`
	Key            string                   `json:"key"`
	Fingerprint    string                   `json:"fingerprint"`
	OracleIdentity string                   `json:"oracle_identity"`
	SourcePath     string                   `json:"source_path,omitempty"`
	StoredAt       time.Time                `json:"stored_at"`
	Analysis       *analysis.MethodAnalysis `json:"analysis"`
}

// PersistentCache is the durable memoization tier on BadgerDB. Entries
// persist across sessions and are returned only when both the content
// fingerprint and the oracle identity match; any mismatch silently
// removes the entry. Entries older than the retention window, or
// beyond the entry cap (oldest first), are purged on open and on
// write. All I/O failures degrade to cache misses.
//
// Thread Safety: PersistentCache is safe for concurrent use.
type PersistentCache struct {
	db         *badgerdb.DB
	retention  time.Duration
	maxEntries int
	logger     *slog.Logger
}

// NewPersistentCache wraps an opened BadgerDB. Non-positive retention
// or maxEntries select the defaults. The version check and initial
// purge run before the cache is returned.
func NewPersistentCache(db *badgerdb.DB, retention time.Duration, maxEntries int, logger *slog.Logger) (*PersistentCache, error) {
	if db == nil {
		return nil, ErrDurableUnavailable
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &PersistentCache{
		db:         db,
		retention:  retention,
		maxEntries: maxEntries,
		logger:     logger,
	}
	if err := c.checkFormatVersion(); err != nil {
		return nil, err
	}
	c.purge()
	return c, nil
}

// checkFormatVersion resets the whole store when the recorded format
// differs from FormatVersion.
func (c *PersistentCache) checkFormatVersion() error {
	var stored int
	err := c.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(metaVersion))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		})
	})
	switch {
	case errors.Is(err, badgerdb.ErrKeyNotFound):
		stored = 0
	case err != nil:
		c.logger.Warn("durable cache version check failed, resetting", "error", err)
		stored = -1
	}

	if stored != 0 && stored != FormatVersion {
		c.logger.Info("durable cache format changed, resetting",
			"stored", stored, "current", FormatVersion)
		if err := c.db.DropAll(); err != nil {
			return fmt.Errorf("reset durable cache: %w", err)
		}
	}

	return c.db.Update(func(txn *badgerdb.Txn) error {
		val, _ := json.Marshal(FormatVersion)
		return txn.Set([]byte(metaVersion), val)
	})
}

// Get returns a stored analysis when fingerprint and oracle identity
// both match. Mismatched, expired, or corrupt entries are removed and
// reported as misses.
func (c *PersistentCache) Get(key analysis.MethodKey, fingerprint, oracleIdentity string) (*analysis.MethodAnalysis, bool) {
	dbKey := []byte(entryPrefix + key.String())

	var record persistentRecord
	err := c.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(dbKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &record); err != nil {
				return fmt.Errorf("%w: %v", ErrCorruptEntry, err)
			}
			return nil
		})
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, false
	}
	if err != nil {
		c.logger.Debug("durable cache read failed", "key", key.String(), "error", err)
		c.delete(dbKey)
		return nil, false
	}

	valid := record.FormatVersion == FormatVersion &&
		record.Fingerprint == fingerprint &&
		record.OracleIdentity == oracleIdentity &&
		time.Since(record.StoredAt) <= c.retention &&
		record.Analysis != nil
	if !valid {
		c.delete(dbKey)
		return nil, false
	}
	return record.Analysis, true
}

// Set stores an analysis. Write failures are logged, never surfaced.
func (c *PersistentCache) Set(key analysis.MethodKey, a *analysis.MethodAnalysis, fingerprint, oracleIdentity, sourcePath string) {
	if a == nil {
		return
	}
	record := persistentRecord{
		FormatVersion:  FormatVersion,
		Key:            key.String(),
		Fingerprint:    fingerprint,
		OracleIdentity: oracleIdentity,
		SourcePath:     sourcePath,
		StoredAt:       time.Now(),
		Analysis:       a,
	}
	val, err := json.Marshal(record)
	if err != nil {
		c.logger.Warn("durable cache encode failed", "key", key.String(), "error", err)
		return
	}
	err = c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(entryPrefix+key.String()), val)
	})
	if err != nil {
		c.logger.Warn("durable cache write failed", "key", key.String(), "error", err)
		return
	}
	c.purge()
}

// Invalidate removes entries for a type, or one method when
// methodName is non-empty. Returns the number removed.
func (c *PersistentCache) Invalidate(typeName, methodName string) int {
	return c.deleteMatching(func(r *persistentRecord) bool {
		if r.Analysis == nil || r.Analysis.TypeName != typeName {
			return false
		}
		return methodName == "" || r.Analysis.MethodName == methodName
	})
}

// InvalidateBySourcePath removes entries recorded against a source
// path and returns their method keys, so callers can drop the same
// keys from the session tier.
func (c *PersistentCache) InvalidateBySourcePath(path string) []analysis.MethodKey {
	var keys []analysis.MethodKey
	c.deleteMatchingCollect(func(r *persistentRecord) bool {
		return r.SourcePath == path
	}, func(r *persistentRecord) {
		if r.Analysis != nil {
			keys = append(keys, r.Analysis.Key())
		}
	})
	return keys
}

// Clear removes every entry, keeping the format version marker.
func (c *PersistentCache) Clear() {
	c.deleteMatching(func(*persistentRecord) bool { return true })
}

// Len returns the durable entry count.
func (c *PersistentCache) Len() int {
	count := 0
	_ = c.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count
}

// purge removes expired entries and trims to the entry cap, oldest
// first. Runs on open and after each write; failures are logged only.
func (c *PersistentCache) purge() {
	type aged struct {
		key      string
		storedAt time.Time
	}
	var all []aged
	var drop []string

	err := c.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			var record persistentRecord
			decodeErr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if decodeErr != nil || record.FormatVersion != FormatVersion {
				drop = append(drop, key)
				continue
			}
			if time.Since(record.StoredAt) > c.retention {
				drop = append(drop, key)
				continue
			}
			all = append(all, aged{key: key, storedAt: record.StoredAt})
		}
		return nil
	})
	if err != nil {
		c.logger.Debug("durable cache purge scan failed", "error", err)
		return
	}

	if extra := len(all) - c.maxEntries; extra > 0 {
		sort.Slice(all, func(i, j int) bool { return all[i].storedAt.Before(all[j].storedAt) })
		for i := 0; i < extra; i++ {
			drop = append(drop, all[i].key)
		}
	}
	if len(drop) == 0 {
		return
	}
	err = c.db.Update(func(txn *badgerdb.Txn) error {
		for _, key := range drop {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Debug("durable cache purge failed", "error", err)
	} else {
		c.logger.Debug("durable cache purged", "removed", len(drop))
	}
}

func (c *PersistentCache) delete(dbKey []byte) {
	err := c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(dbKey)
	})
	if err != nil {
		c.logger.Debug("durable cache delete failed", "key", string(dbKey), "error", err)
	}
}

func (c *PersistentCache) deleteMatching(match func(*persistentRecord) bool) int {
	return c.deleteMatchingCollect(match, nil)
}

func (c *PersistentCache) deleteMatchingCollect(match func(*persistentRecord) bool, visit func(*persistentRecord)) int {
	var drop []string
	_ = c.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			var record persistentRecord
			decodeErr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if decodeErr != nil {
				drop = append(drop, key)
				continue
			}
			if match(&record) {
				if visit != nil {
					visit(&record)
				}
				drop = append(drop, key)
			}
		}
		return nil
	})
	if len(drop) == 0 {
		return 0
	}
	err := c.db.Update(func(txn *badgerdb.Txn) error {
		for _, key := range drop {
			if err := txn.Delete([]byte(key)); err != nil && !strings.Contains(err.Error(), "Key not found") {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Debug("durable cache invalidate failed", "error", err)
	}
	return len(drop)
}
