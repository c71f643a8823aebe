package wire

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sectorfab/internal/sector"
)

func roundTripShard(t *testing.T, msg any) any {
	t.Helper()
	tag, payload, err := EncodeShardMessage(msg)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, tag, payload))

	gotTag, gotPayload, err := ReadFrame(&buf, MaxFrameBytes)
	require.NoError(t, err)
	assert.Equal(t, tag, gotTag)

	out, err := DecodeShardPayload(gotTag, gotPayload, MaxFrameBytes)
	require.NoError(t, err)
	return out
}

func roundTripReplication(t *testing.T, msg any) any {
	t.Helper()
	tag, payload, err := EncodeReplicationMessage(msg)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, tag, payload))

	gotTag, gotPayload, err := ReadFrame(&buf, MaxFrameBytes)
	require.NoError(t, err)
	assert.Equal(t, tag, gotTag)

	out, err := DecodeReplicationPayload(gotTag, gotPayload, MaxFrameBytes)
	require.NoError(t, err)
	return out
}

func TestRoundTripIdentifyShard(t *testing.T) {
	msg := IdentifyShard{
		ShardID:    uuid.New(),
		Credential: []byte("a-jwt-token"),
		DeclaredSectors: []sector.Sector{
			{X: 0, Y: 0}, {X: -1, Y: 2},
		},
	}
	assert.Equal(t, msg, roundTripShard(t, msg))
}

func TestRoundTripIdentifyShardEmptyFields(t *testing.T) {
	msg := IdentifyShard{ShardID: uuid.New()}
	got := roundTripShard(t, msg).(IdentifyShard)
	assert.Equal(t, msg.ShardID, got.ShardID)
	assert.Empty(t, got.Credential)
	assert.Empty(t, got.DeclaredSectors)
}

func TestRoundTripSectorReady(t *testing.T) {
	msg := SectorReady{Sector: sector.Sector{X: 3, Y: -4}}
	assert.Equal(t, msg, roundTripShard(t, msg))
}

func TestRoundTripSectorRemoved(t *testing.T) {
	msg := SectorRemoved{Sector: sector.Sector{X: 3, Y: -4}}
	assert.Equal(t, msg, roundTripShard(t, msg))
}

func TestRoundTripShardLoadUpdate(t *testing.T) {
	msg := ShardLoadUpdate{EntityCount: 120, PlayerCount: 7}
	assert.Equal(t, msg, roundTripShard(t, msg))
}

func TestRoundTripEntityTransitionRequest(t *testing.T) {
	msg := EntityTransitionRequest{
		EntityID: 42,
		From:     sector.Sector{X: 0, Y: 0},
		To:       sector.Sector{X: 1, Y: 0},
		Position: Vec2{X: 1000.5, Y: -32.25},
		Velocity: Vec2{X: 0, Y: 1.5},
		Blob:     []byte{1, 2, 3, 4, 5},
	}
	assert.Equal(t, msg, roundTripShard(t, msg))
}

func TestRoundTripAssignSectors(t *testing.T) {
	msg := AssignSectors{Sectors: []sector.Sector{{X: 0, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 1}}}
	assert.Equal(t, msg, roundTripReplication(t, msg))
}

func TestRoundTripUnassignSector(t *testing.T) {
	msg := UnassignSector{Sector: sector.Sector{X: -2, Y: 5}}
	assert.Equal(t, msg, roundTripReplication(t, msg))
}

func TestRoundTripSectorInitialState(t *testing.T) {
	msg := SectorInitialState{Sector: sector.Sector{X: 0, Y: 0}, Entities: []byte("serialized-entities")}
	assert.Equal(t, msg, roundTripReplication(t, msg))
}

func TestRoundTripAcknowledgeTransition(t *testing.T) {
	msg := AcknowledgeTransition{EntityID: 7, Destination: sector.Sector{X: 1, Y: 1}}
	assert.Equal(t, msg, roundTripReplication(t, msg))
}

func TestRoundTripSpawnEntity(t *testing.T) {
	msg := SpawnEntity{
		Sector:   sector.Sector{X: 1, Y: 0},
		EntityID: 42,
		Position: Vec2{X: 5, Y: -5},
		Velocity: Vec2{X: 1, Y: 0},
		Blob:     []byte{9, 8, 7},
	}
	assert.Equal(t, msg, roundTripReplication(t, msg))
}

func TestRoundTripEntitySpawnAck(t *testing.T) {
	msg := EntitySpawnAck{EntityID: 42}
	assert.Equal(t, msg, roundTripShard(t, msg))
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TagSectorReady, make([]byte, 100)))

	_, _, err := ReadFrame(&buf, 8)
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestReadFrameRejectsBadVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 2, 99, byte(TagSectorReady)})

	_, _, err := ReadFrame(&buf, MaxFrameBytes)
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestDecodeShardPayloadRejectsUnknownTag(t *testing.T) {
	_, err := DecodeShardPayload(Tag(200), nil, MaxFrameBytes)
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestDecodeShardPayloadRejectsTruncatedFrame(t *testing.T) {
	_, payload, err := EncodeShardMessage(SectorReady{Sector: sector.Sector{X: 1, Y: 1}})
	require.NoError(t, err)

	_, err = DecodeShardPayload(TagSectorReady, payload[:4], MaxFrameBytes)
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}
