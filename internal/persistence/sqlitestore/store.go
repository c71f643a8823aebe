// Package sqlitestore is the embedded-database persistence backend:
// a gorm-over-sqlite snapshot store usable standalone with no
// external broker, grounded on the pack's gorm+sqlite+uuid control
// plane examples. glebarez/sqlite is used instead of mattn/go-sqlite3
// for a cgo-free build.
package sqlitestore

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"sectorfab/internal/persistence"
	"sectorfab/internal/sector"
)

// entityRow is the gorm model backing the persisted-entity table.
type entityRow struct {
	EntityID uint64 `gorm:"primaryKey"`
	SectorX  int32  `gorm:"index:idx_sector"`
	SectorY  int32  `gorm:"index:idx_sector"`
	Blob     []byte
}

// dirtyRow records the last time a sector was seen deactivating, for
// operator visibility and backend flush scheduling.
type dirtyRow struct {
	SectorX  int32 `gorm:"primaryKey"`
	SectorY  int32 `gorm:"primaryKey"`
	LastSeen time.Time
}

// Store is a gorm/sqlite-backed persistence.Store.
type Store struct {
	db *gorm.DB
}

// Open connects to (creating if absent) the sqlite database at dsn and
// migrates its schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %q: %w", dsn, err)
	}
	if err := db.AutoMigrate(&entityRow{}, &dirtyRow{}); err != nil {
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// LoadInitialSnapshot streams every persisted entity to fn in batches,
// avoiding loading the whole table into memory at once.
func (s *Store) LoadInitialSnapshot(ctx context.Context, fn func(persistence.EntityRecord) error) error {
	var rows []entityRow
	result := s.db.WithContext(ctx).FindInBatches(&rows, 500, func(tx *gorm.DB, batch int) error {
		for _, r := range rows {
			rec := persistence.EntityRecord{
				Sector:   sector.Sector{X: r.SectorX, Y: r.SectorY},
				EntityID: r.EntityID,
				Blob:     r.Blob,
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
	if result.Error != nil {
		return fmt.Errorf("sqlitestore: load snapshot: %w", result.Error)
	}
	return nil
}

// MarkSectorDirty upserts the sector's last-seen timestamp.
func (s *Store) MarkSectorDirty(ctx context.Context, sec sector.Sector, lastSeen time.Time) error {
	row := dirtyRow{SectorX: sec.X, SectorY: sec.Y, LastSeen: lastSeen}
	result := s.db.WithContext(ctx).Save(&row)
	if result.Error != nil {
		return fmt.Errorf("sqlitestore: mark dirty %v: %w", sec, result.Error)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
