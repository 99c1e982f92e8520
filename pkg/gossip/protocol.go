package gossip

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"
)

type messageType uint8

const (
	messageTypeGossip messageType = iota + 1
)

func (t messageType) String() string {
	switch t {
	case messageTypeGossip:
		return "gossip"
	default:
		return "unknown"
	}
}

const (
	supportedVersion uint8 = 0
)

// Codec encodes and decodes node records sent between nodes.
type Codec interface {
	Encode(record NodeRecord) ([]byte, error)
	Decode(b []byte) (NodeRecord, error)
}

// MsgpackCodec implements Codec using EncodeRecord and DecodeRecord.
type MsgpackCodec struct {
}

func (c MsgpackCodec) Encode(record NodeRecord) ([]byte, error) {
	return EncodeRecord(record)
}

func (c MsgpackCodec) Decode(b []byte) (NodeRecord, error) {
	return DecodeRecord(b)
}

var _ Codec = MsgpackCodec{}

type wireRecord struct {
	ID       string `codec:"id"`
	Addr     string `codec:"addr"`
	Metadata []byte `codec:"metadata"`
	Term     uint64 `codec:"term"`
	Status   uint8  `codec:"status"`
}

// EncodeRecord encodes the record to msgpack.
func EncodeRecord(record NodeRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := newEncoder(&buf).Encode(&wireRecord{
		ID:       record.ID,
		Addr:     record.Addr,
		Metadata: record.Metadata,
		Term:     record.Term,
		Status:   uint8(record.Status),
	}); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRecord decodes a msgpack record. Returns ErrMalformedRecord if the
// decoded record is invalid.
func DecodeRecord(b []byte) (NodeRecord, error) {
	var wire wireRecord
	if err := newDecoder(bytes.NewReader(b)).Decode(&wire); err != nil {
		return NodeRecord{}, fmt.Errorf("%w: decode: %s", ErrMalformedRecord, err)
	}

	record := NodeRecord{
		ID:     wire.ID,
		Addr:   wire.Addr,
		Term:   wire.Term,
		Status: Status(wire.Status),
	}
	if len(wire.Metadata) > 0 {
		record.Metadata = wire.Metadata
	}
	if err := record.validate(); err != nil {
		return NodeRecord{}, err
	}
	return record, nil
}

type encoder struct {
	encoder *codec.Encoder
}

func newEncoder(writer io.Writer) *encoder {
	var handle codec.MsgpackHandle
	return &encoder{
		encoder: codec.NewEncoder(writer, &handle),
	}
}

func (e *encoder) Encode(v interface{}) error {
	return e.encoder.Encode(v)
}

type decoder struct {
	decoder *codec.Decoder
}

func newDecoder(reader io.Reader) *decoder {
	var handle codec.MsgpackHandle
	return &decoder{
		decoder: codec.NewDecoder(reader, &handle),
	}
}

func (d *decoder) Decode(v interface{}) error {
	return d.decoder.Decode(v)
}

type payloadHeader struct {
	// NodeID is the ID of the sending node.
	NodeID string `codec:"node_id"`
	// Addr is the gossip address of the sending node, used to reply.
	Addr string `codec:"addr"`
	// Seq identifies a request so the reply can acknowledge it.
	Seq uint64 `codec:"seq"`
	// Ack is the sequence number of the request being replied to, or zero if
	// this isn't a reply.
	Ack uint64 `codec:"ack"`
	// Request indicates whether the receiver should reply with its own
	// payload.
	Request bool `codec:"request"`
}

// encodePayload encodes the header followed by as many encoded records as
// fit in maxPacketSize. Returns the payload and the number of records
// included.
func encodePayload(
	header payloadHeader,
	records [][]byte,
	maxPacketSize int,
) ([]byte, int, error) {
	// Add fixed header.
	var buf bytes.Buffer
	_ = buf.WriteByte(uint8(messageTypeGossip))
	_ = buf.WriteByte(supportedVersion)

	encoder := newEncoder(&buf)

	if err := encoder.Encode(&header); err != nil {
		return nil, 0, fmt.Errorf("encode: %w", err)
	}

	if buf.Len() > maxPacketSize {
		return nil, 0, fmt.Errorf(
			"max packet size too small for header: %d < %d",
			maxPacketSize, buf.Len(),
		)
	}

	// Keep appending records until we exceed the max packet size.
	// bufLen contains the number of bytes to send (which may be less than
	// buf.Len() if we exceed the packet limit).
	bufLen := buf.Len()
	included := 0
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			return nil, 0, fmt.Errorf("encode: %w", err)
		}

		if buf.Len() > maxPacketSize {
			break
		}
		bufLen = buf.Len()
		included++
	}

	return buf.Bytes()[:bufLen], included, nil
}

// decodePayload decodes the payload header and the encoded records. The
// records themselves are left encoded so a malformed record can be discarded
// without discarding the rest of the payload.
//
// If the payload is truncated or corrupted after the header, the records
// decoded so far are returned along with the error.
func decodePayload(b []byte) (payloadHeader, [][]byte, error) {
	if len(b) < 2 {
		return payloadHeader{}, nil, fmt.Errorf("payload too small: %d", len(b))
	}

	r := bytes.NewBuffer(b)

	firstByte, _ := r.ReadByte()
	messageType := messageType(firstByte)
	if messageType != messageTypeGossip {
		return payloadHeader{}, nil, fmt.Errorf("incorrect message type: %s", messageType)
	}
	version, _ := r.ReadByte()
	if version != supportedVersion {
		return payloadHeader{}, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	decoder := newDecoder(r)
	var header payloadHeader
	if err := decoder.Decode(&header); err != nil {
		return payloadHeader{}, nil, fmt.Errorf("decode header: %w", err)
	}
	if header.NodeID == "" || header.Addr == "" {
		return payloadHeader{}, nil, fmt.Errorf("invalid header: missing node id or addr")
	}

	var records [][]byte
	for {
		// Read records until EOF.
		var record []byte
		if err := decoder.Decode(&record); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return header, records, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, record)
	}

	return header, records, nil
}
