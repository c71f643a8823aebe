package orchestrator

import (
	"bytes"
	"encoding/binary"

	"sectorfab/internal/persistence"
)

// encodeSectorEntities packs a sector's persisted entities into the
// opaque blob carried by SectorInitialState.Entities: a count, then
// per entity a big-endian uint64 id and a length-prefixed blob. The
// control plane never interprets this payload itself -- it only
// reassembles what persistence handed it back into the shape a shard
// expects to decode.
func encodeSectorEntities(records []persistence.EntityRecord) []byte {
	var buf bytes.Buffer
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(records)))
	buf.Write(countBuf[:])

	for _, rec := range records {
		var idBuf [8]byte
		binary.BigEndian.PutUint64(idBuf[:], rec.EntityID)
		buf.Write(idBuf[:])

		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(rec.Blob)))
		buf.Write(lenBuf[:])
		buf.Write(rec.Blob)
	}
	return buf.Bytes()
}
