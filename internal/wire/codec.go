package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"

	"sectorfab/internal/sector"
)

// --- primitive encode helpers ---

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putInt32(buf *bytes.Buffer, v int32) {
	putUint32(buf, uint32(v))
}

func putFloat32(buf *bytes.Buffer, v float32) {
	putUint32(buf, math.Float32bits(v))
}

func putSector(buf *bytes.Buffer, s sector.Sector) {
	putInt32(buf, s.X)
	putInt32(buf, s.Y)
}

func putSectors(buf *bytes.Buffer, sectors []sector.Sector) {
	putUint32(buf, uint32(len(sectors)))
	for _, s := range sectors {
		putSector(buf, s)
	}
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func putShardID(buf *bytes.Buffer, id sector.ShardId) {
	buf.Write(id[:])
}

// --- primitive decode helpers ---

// reader wraps a byte slice with a cursor and turns short reads into
// ProtocolErrors instead of panics.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) need(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, protoErrf("truncated frame: need %d bytes, have %d", n, len(r.buf)-r.pos)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.need(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.need(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) int32() (int32, error) {
	v, err := r.uint32()
	return int32(v), err
}

func (r *reader) float32() (float32, error) {
	v, err := r.uint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (r *reader) sector() (sector.Sector, error) {
	x, err := r.int32()
	if err != nil {
		return sector.Sector{}, err
	}
	y, err := r.int32()
	if err != nil {
		return sector.Sector{}, err
	}
	return sector.Sector{X: x, Y: y}, nil
}

const maxElementCount = 1 << 20

func (r *reader) sectors() ([]sector.Sector, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if n > maxElementCount {
		return nil, protoErrf("sector list too large: %d", n)
	}
	out := make([]sector.Sector, n)
	for i := range out {
		out[i], err = r.sector()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *reader) bytesField(maxLen uint32) ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if n > maxLen {
		return nil, protoErrf("byte field too large: %d", n)
	}
	b, err := r.need(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *reader) shardID() (sector.ShardId, error) {
	b, err := r.need(16)
	if err != nil {
		return sector.ShardId{}, err
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return sector.ShardId{}, protoErrf("invalid shard id: %v", err)
	}
	return id, nil
}

func (r *reader) done() bool { return r.pos >= len(r.buf) }

// --- frame-level IO ---

// WriteFrame encodes a full version+tag+payload frame and writes it
// to w, prefixed with its big-endian u32 length.
func WriteFrame(w io.Writer, tag Tag, payload []byte) error {
	var framed bytes.Buffer
	framed.WriteByte(Version)
	framed.WriteByte(byte(tag))
	framed.Write(payload)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(framed.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(framed.Bytes())
	return err
}

// ReadFrame reads one frame from r, enforcing maxFrameBytes, and
// returns its tag plus the raw (version+tag-stripped) payload bytes
// for decoding by the caller.
func ReadFrame(r io.Reader, maxFrameBytes uint32) (Tag, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	if length < 2 {
		return 0, nil, protoErrf("frame too short: %d bytes", length)
	}
	if length > maxFrameBytes {
		return 0, nil, protoErrf("frame exceeds cap: %d > %d", length, maxFrameBytes)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}

	if body[0] != Version {
		return 0, nil, protoErrf("unsupported wire version: %d", body[0])
	}

	return Tag(body[1]), body[2:], nil
}

// --- Shard -> Replication encode/decode ---

// EncodeShardMessage serializes a shard->replication message into its
// wire tag and payload.
func EncodeShardMessage(msg any) (Tag, []byte, error) {
	var buf bytes.Buffer
	switch m := msg.(type) {
	case IdentifyShard:
		putShardID(&buf, m.ShardID)
		putBytes(&buf, m.Credential)
		putSectors(&buf, m.DeclaredSectors)
		return TagIdentifyShard, buf.Bytes(), nil
	case SectorReady:
		putSector(&buf, m.Sector)
		return TagSectorReady, buf.Bytes(), nil
	case SectorRemoved:
		putSector(&buf, m.Sector)
		return TagSectorRemoved, buf.Bytes(), nil
	case ShardLoadUpdate:
		putUint32(&buf, m.EntityCount)
		putUint32(&buf, m.PlayerCount)
		return TagShardLoadUpdate, buf.Bytes(), nil
	case EntityTransitionRequest:
		putUint64(&buf, m.EntityID)
		putSector(&buf, m.From)
		putSector(&buf, m.To)
		putFloat32(&buf, m.Position.X)
		putFloat32(&buf, m.Position.Y)
		putFloat32(&buf, m.Velocity.X)
		putFloat32(&buf, m.Velocity.Y)
		putBytes(&buf, m.Blob)
		return TagEntityTransitionRequest, buf.Bytes(), nil
	case EntitySpawnAck:
		putUint64(&buf, m.EntityID)
		return TagEntitySpawnAck, buf.Bytes(), nil
	default:
		return 0, nil, fmt.Errorf("wire: not a shard message: %T", msg)
	}
}

// DecodeShardPayload decodes a payload previously produced for tag by
// EncodeShardMessage (or received over the wire from a shard) into its
// concrete message type.
func DecodeShardPayload(tag Tag, payload []byte, maxFrameBytes uint32) (any, error) {
	r := &reader{buf: payload}

	switch tag {
	case TagIdentifyShard:
		id, err := r.shardID()
		if err != nil {
			return nil, err
		}
		cred, err := r.bytesField(maxFrameBytes)
		if err != nil {
			return nil, err
		}
		sectors, err := r.sectors()
		if err != nil {
			return nil, err
		}
		return IdentifyShard{ShardID: id, Credential: cred, DeclaredSectors: sectors}, nil

	case TagSectorReady:
		s, err := r.sector()
		if err != nil {
			return nil, err
		}
		return SectorReady{Sector: s}, nil

	case TagSectorRemoved:
		s, err := r.sector()
		if err != nil {
			return nil, err
		}
		return SectorRemoved{Sector: s}, nil

	case TagShardLoadUpdate:
		ec, err := r.uint32()
		if err != nil {
			return nil, err
		}
		pc, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return ShardLoadUpdate{EntityCount: ec, PlayerCount: pc}, nil

	case TagEntityTransitionRequest:
		entityID, err := r.uint64()
		if err != nil {
			return nil, err
		}
		from, err := r.sector()
		if err != nil {
			return nil, err
		}
		to, err := r.sector()
		if err != nil {
			return nil, err
		}
		px, err := r.float32()
		if err != nil {
			return nil, err
		}
		py, err := r.float32()
		if err != nil {
			return nil, err
		}
		vx, err := r.float32()
		if err != nil {
			return nil, err
		}
		vy, err := r.float32()
		if err != nil {
			return nil, err
		}
		blob, err := r.bytesField(maxFrameBytes)
		if err != nil {
			return nil, err
		}
		return EntityTransitionRequest{
			EntityID: entityID,
			From:     from,
			To:       to,
			Position: Vec2{X: px, Y: py},
			Velocity: Vec2{X: vx, Y: vy},
			Blob:     blob,
		}, nil

	case TagEntitySpawnAck:
		entityID, err := r.uint64()
		if err != nil {
			return nil, err
		}
		return EntitySpawnAck{EntityID: entityID}, nil

	default:
		return nil, protoErrf("unknown shard message tag: %s", tag)
	}
}

// --- Replication -> Shard encode/decode ---

// EncodeReplicationMessage serializes a replication->shard message.
func EncodeReplicationMessage(msg any) (Tag, []byte, error) {
	var buf bytes.Buffer
	switch m := msg.(type) {
	case AssignSectors:
		putSectors(&buf, m.Sectors)
		return TagAssignSectors, buf.Bytes(), nil
	case UnassignSector:
		putSector(&buf, m.Sector)
		return TagUnassignSector, buf.Bytes(), nil
	case SectorInitialState:
		putSector(&buf, m.Sector)
		putBytes(&buf, m.Entities)
		return TagSectorInitialState, buf.Bytes(), nil
	case AcknowledgeTransition:
		putUint64(&buf, m.EntityID)
		putSector(&buf, m.Destination)
		return TagAcknowledgeTransition, buf.Bytes(), nil
	case SpawnEntity:
		putSector(&buf, m.Sector)
		putUint64(&buf, m.EntityID)
		putFloat32(&buf, m.Position.X)
		putFloat32(&buf, m.Position.Y)
		putFloat32(&buf, m.Velocity.X)
		putFloat32(&buf, m.Velocity.Y)
		putBytes(&buf, m.Blob)
		return TagSpawnEntity, buf.Bytes(), nil
	default:
		return 0, nil, fmt.Errorf("wire: not a replication message: %T", msg)
	}
}

// DecodeReplicationPayload is the inverse of EncodeReplicationMessage.
func DecodeReplicationPayload(tag Tag, payload []byte, maxFrameBytes uint32) (any, error) {
	r := &reader{buf: payload}

	switch tag {
	case TagAssignSectors:
		sectors, err := r.sectors()
		if err != nil {
			return nil, err
		}
		return AssignSectors{Sectors: sectors}, nil

	case TagUnassignSector:
		s, err := r.sector()
		if err != nil {
			return nil, err
		}
		return UnassignSector{Sector: s}, nil

	case TagSectorInitialState:
		s, err := r.sector()
		if err != nil {
			return nil, err
		}
		entities, err := r.bytesField(maxFrameBytes)
		if err != nil {
			return nil, err
		}
		return SectorInitialState{Sector: s, Entities: entities}, nil

	case TagAcknowledgeTransition:
		entityID, err := r.uint64()
		if err != nil {
			return nil, err
		}
		dest, err := r.sector()
		if err != nil {
			return nil, err
		}
		return AcknowledgeTransition{EntityID: entityID, Destination: dest}, nil

	case TagSpawnEntity:
		s, err := r.sector()
		if err != nil {
			return nil, err
		}
		entityID, err := r.uint64()
		if err != nil {
			return nil, err
		}
		px, err := r.float32()
		if err != nil {
			return nil, err
		}
		py, err := r.float32()
		if err != nil {
			return nil, err
		}
		vx, err := r.float32()
		if err != nil {
			return nil, err
		}
		vy, err := r.float32()
		if err != nil {
			return nil, err
		}
		blob, err := r.bytesField(maxFrameBytes)
		if err != nil {
			return nil, err
		}
		return SpawnEntity{
			Sector:   s,
			EntityID: entityID,
			Position: Vec2{X: px, Y: py},
			Velocity: Vec2{X: vx, Y: vy},
			Blob:     blob,
		}, nil

	default:
		return nil, protoErrf("unknown replication message tag: %s", tag)
	}
}
