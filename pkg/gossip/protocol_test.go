package gossip

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_Record(t *testing.T) {
	t.Run("encode decode", func(t *testing.T) {
		record := NodeRecord{
			ID:       "node-1",
			Addr:     "10.26.104.56:8003",
			Metadata: []byte(`{"zone":"us-east-1a"}`),
			Term:     1724761849123,
			Status:   StatusSuspect,
		}

		b, err := EncodeRecord(record)
		require.NoError(t, err)

		decoded, err := DecodeRecord(b)
		require.NoError(t, err)
		assert.Equal(t, record, decoded)
	})

	t.Run("empty metadata", func(t *testing.T) {
		record := NodeRecord{
			ID:     "node-1",
			Addr:   "10.26.104.56:8003",
			Term:   1,
			Status: StatusAlive,
		}

		b, err := EncodeRecord(record)
		require.NoError(t, err)

		decoded, err := DecodeRecord(b)
		require.NoError(t, err)
		assert.Nil(t, decoded.Metadata)
		assert.Equal(t, record, decoded)
	})

	t.Run("invalid status", func(t *testing.T) {
		b, err := EncodeRecord(NodeRecord{
			ID:     "node-1",
			Addr:   "10.26.104.56:8003",
			Term:   1,
			Status: Status(12),
		})
		require.NoError(t, err)

		_, err = DecodeRecord(b)
		assert.ErrorIs(t, err, ErrMalformedRecord)
	})

	t.Run("corrupted", func(t *testing.T) {
		_, err := DecodeRecord([]byte{0xc1, 0xff, 0x00})
		assert.ErrorIs(t, err, ErrMalformedRecord)
	})
}

func TestCodec_Payload(t *testing.T) {
	header := payloadHeader{
		NodeID:  "my-node",
		Addr:    "1.2.3.4:8003",
		Seq:     5,
		Request: true,
	}

	encodeRecords := func(t *testing.T, n int) ([]NodeRecord, [][]byte) {
		var records []NodeRecord
		var encoded [][]byte
		for i := 0; i != n; i++ {
			record := NodeRecord{
				ID:     fmt.Sprintf("node-%d", i),
				Addr:   fmt.Sprintf("10.26.104.%d:8003", i),
				Term:   uint64(i + 1),
				Status: StatusAlive,
			}
			b, err := EncodeRecord(record)
			require.NoError(t, err)

			records = append(records, record)
			encoded = append(encoded, b)
		}
		return records, encoded
	}

	decodeRecords := func(t *testing.T, encoded [][]byte) []NodeRecord {
		var records []NodeRecord
		for _, b := range encoded {
			record, err := DecodeRecord(b)
			require.NoError(t, err)
			records = append(records, record)
		}
		return records
	}

	t.Run("full payload", func(t *testing.T) {
		records, encoded := encodeRecords(t, 3)

		b, n, err := encodePayload(header, encoded, 1400)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		receivedHeader, receivedRecords, err := decodePayload(b)
		require.NoError(t, err)

		assert.Equal(t, header, receivedHeader)
		assert.Equal(t, records, decodeRecords(t, receivedRecords))
	})

	// Tests partially encoding a payload due to exceeding the maximum packet
	// size.
	t.Run("truncated payload", func(t *testing.T) {
		records, encoded := encodeRecords(t, 50)

		b, n, err := encodePayload(header, encoded, 200)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(b), 200)
		assert.Greater(t, n, 0)
		assert.Less(t, n, 50)

		_, receivedRecords, err := decodePayload(b)
		require.NoError(t, err)
		assert.Equal(t, records[:n], decodeRecords(t, receivedRecords))
	})

	t.Run("packet size too small for header", func(t *testing.T) {
		_, _, err := encodePayload(header, nil, 5)
		assert.Error(t, err)
	})

	// Tests a malformed record doesn't stop the other records in the payload
	// being decoded.
	t.Run("malformed record", func(t *testing.T) {
		records, encoded := encodeRecords(t, 3)
		encoded[1] = []byte{0xc1, 0xff, 0x00}

		b, n, err := encodePayload(header, encoded, 1400)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		_, receivedRecords, err := decodePayload(b)
		require.NoError(t, err)
		require.Len(t, receivedRecords, 3)

		var decoded []NodeRecord
		for _, b := range receivedRecords {
			record, err := DecodeRecord(b)
			if err != nil {
				assert.ErrorIs(t, err, ErrMalformedRecord)
				continue
			}
			decoded = append(decoded, record)
		}
		assert.Equal(t, []NodeRecord{records[0], records[2]}, decoded)
	})

	t.Run("unsupported version", func(t *testing.T) {
		_, encoded := encodeRecords(t, 1)
		b, _, err := encodePayload(header, encoded, 1400)
		require.NoError(t, err)

		b[1] = 7
		_, _, err = decodePayload(b)
		assert.ErrorIs(t, err, ErrUnsupportedVersion)
	})

	t.Run("incorrect message type", func(t *testing.T) {
		_, _, err := decodePayload([]byte{9, 0, 1, 2})
		assert.Error(t, err)
	})

	t.Run("too small", func(t *testing.T) {
		_, _, err := decodePayload([]byte{1})
		assert.Error(t, err)
	})

	t.Run("missing node id", func(t *testing.T) {
		b, _, err := encodePayload(payloadHeader{Addr: "1.2.3.4:8003"}, nil, 1400)
		require.NoError(t, err)

		_, _, err = decodePayload(b)
		assert.Error(t, err)
	})
}
