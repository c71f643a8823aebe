// Package natsstore is the broker-backed persistence backend: it
// publishes sector-dirty markers and requests the startup snapshot
// over NATS request-reply, so a storage worker can live in a separate
// process (or language) from the control plane.
package natsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"sectorfab/internal/persistence"
	"sectorfab/internal/sector"
)

// Subjects used on the persistence NATS connection. A storage worker
// subscribed to SubjectSnapshotRequest must answer each
// snapshotPageRequest with one snapshotPageResponse page, setting Done
// on the last one.
const (
	SubjectSnapshotRequest = "sectorfab.persistence.snapshot.request"
	SubjectSectorDirty     = "sectorfab.persistence.sector.dirty"
)

// DirtyMarker is the JSON payload published to SubjectSectorDirty.
type DirtyMarker struct {
	SectorX  int32     `json:"sector_x"`
	SectorY  int32     `json:"sector_y"`
	LastSeen time.Time `json:"last_seen"`
}

// snapshotPageRequest asks the storage worker for entities starting
// after Cursor (0 on the first request).
type snapshotPageRequest struct {
	Cursor uint64 `json:"cursor"`
}

// snapshotPageResponse carries one batch of persisted entities plus
// whether further pages remain.
type snapshotPageResponse struct {
	Entities   []entityJSON `json:"entities"`
	Done       bool         `json:"done"`
	NextCursor uint64       `json:"next_cursor"`
}

type entityJSON struct {
	SectorX  int32  `json:"sector_x"`
	SectorY  int32  `json:"sector_y"`
	EntityID uint64 `json:"entity_id"`
	Blob     []byte `json:"blob"`
}

// Store is a NATS-backed persistence.Store.
type Store struct {
	conn       *nats.Conn
	reqTimeout time.Duration
}

// Config configures the NATS connection.
type Config struct {
	URL            string
	MaxReconnects  int
	ReconnectWait  time.Duration
	RequestTimeout time.Duration
}

// Connect dials the NATS server, registering reconnect/disconnect
// logging hooks via opts.
func Connect(cfg Config, onDisconnect func(error), onReconnect func()) (*Store, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1 // retry forever, matching a long-lived control plane
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if onDisconnect != nil {
				onDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if onReconnect != nil {
				onReconnect()
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsstore: connect %q: %w", cfg.URL, err)
	}
	return &Store{conn: conn, reqTimeout: cfg.RequestTimeout}, nil
}

// LoadInitialSnapshot paginates through the storage worker's reply
// stream via request-reply until it reports Done.
func (s *Store) LoadInitialSnapshot(ctx context.Context, fn func(persistence.EntityRecord) error) error {
	cursor := uint64(0)
	for {
		reqBody, err := json.Marshal(snapshotPageRequest{Cursor: cursor})
		if err != nil {
			return fmt.Errorf("natsstore: marshal request: %w", err)
		}

		msg, err := s.conn.RequestWithContext(ctx, SubjectSnapshotRequest, reqBody)
		if err != nil {
			return fmt.Errorf("natsstore: snapshot request: %w", err)
		}

		var page snapshotPageResponse
		if err := json.Unmarshal(msg.Data, &page); err != nil {
			return fmt.Errorf("natsstore: unmarshal snapshot page: %w", err)
		}

		for _, e := range page.Entities {
			rec := persistence.EntityRecord{
				Sector:   sector.Sector{X: e.SectorX, Y: e.SectorY},
				EntityID: e.EntityID,
				Blob:     e.Blob,
			}
			if err := fn(rec); err != nil {
				return err
			}
		}

		if page.Done {
			return nil
		}
		cursor = page.NextCursor
	}
}

// MarkSectorDirty publishes a fire-and-forget dirty marker. NATS
// publish has no ack, so delivery is best-effort: an error is returned
// only when the publish fails locally, and a marker lost in transit is
// not retried.
func (s *Store) MarkSectorDirty(_ context.Context, sec sector.Sector, lastSeen time.Time) error {
	body, err := json.Marshal(DirtyMarker{SectorX: sec.X, SectorY: sec.Y, LastSeen: lastSeen})
	if err != nil {
		return fmt.Errorf("natsstore: marshal dirty marker: %w", err)
	}
	if err := s.conn.Publish(SubjectSectorDirty, body); err != nil {
		return fmt.Errorf("natsstore: publish dirty marker: %w", err)
	}
	return nil
}

// Close closes the NATS connection without draining it.
func (s *Store) Close() error {
	s.conn.Close()
	return nil
}
