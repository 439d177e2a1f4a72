package envelope

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Wire frame layout (spec §6), all integers big-endian:
//
//	id              16 bytes (raw UUID)
//	kind             1 byte
//	source           uint32 length + bytes
//	target flag      1 byte (0/1) + [uint32 length + bytes]
//	topic flag       1 byte (0/1) + [uint32 length + bytes]
//	payload          uint32 length + bytes
//	corr-id flag     1 byte (0/1) + [16 bytes]
//	created_at       int64 unix nanoseconds
//	deadline flag    1 byte (0/1) + [int64 unix nanoseconds]
//	content-type     uint32 length + bytes (0 length when absent)
//
// The codec is pinned to this single format; there is no version
// negotiation (spec §4.1).
const maxFieldLen = 64 << 20 // 64MiB guard against corrupt length prefixes

// EncodeEnvelope writes e to w in the fixed binary frame format.
func EncodeEnvelope(w io.Writer, e *Envelope) error {
	bw := bufio.NewWriter(w)

	id, err := uuid.Parse(e.ID)
	if err != nil {
		return fmt.Errorf("envelope codec: invalid id %q: %w", e.ID, err)
	}
	idBytes, _ := id.MarshalBinary()
	if _, err := bw.Write(idBytes); err != nil {
		return err
	}

	if err := writeByte(bw, byte(e.Kind)); err != nil {
		return err
	}
	if err := writeString(bw, e.Source); err != nil {
		return err
	}
	if err := writeOptionalString(bw, e.Target); err != nil {
		return err
	}
	if err := writeOptionalString(bw, e.Topic); err != nil {
		return err
	}
	if err := writeBytes(bw, e.Payload); err != nil {
		return err
	}
	if err := writeOptionalID(bw, e.CorrelationID); err != nil {
		return err
	}
	if err := writeInt64(bw, e.Metadata.CreatedAt.UnixNano()); err != nil {
		return err
	}
	if e.Metadata.Deadline != nil {
		if err := writeByte(bw, 1); err != nil {
			return err
		}
		if err := writeInt64(bw, e.Metadata.Deadline.UnixNano()); err != nil {
			return err
		}
	} else {
		if err := writeByte(bw, 0); err != nil {
			return err
		}
	}
	if err := writeString(bw, e.Metadata.ContentType); err != nil {
		return err
	}

	return bw.Flush()
}

// DecodeEnvelope reads one envelope frame from r. r is read via exact-sized
// io.ReadFull calls only, never wrapped in a buffering reader: callers pass
// the same connection across many calls (one per inbound frame), and a
// bufio.Reader discarded between calls would strand any read-ahead bytes
// belonging to the next frame.
func DecodeEnvelope(r io.Reader) (*Envelope, error) {
	idBytes := make([]byte, 16)
	if _, err := io.ReadFull(r, idBytes); err != nil {
		return nil, err
	}
	var id uuid.UUID
	if err := id.UnmarshalBinary(idBytes); err != nil {
		return nil, fmt.Errorf("envelope codec: bad id bytes: %w", err)
	}

	kindByte, err := readByte(r)
	if err != nil {
		return nil, err
	}

	source, err := readString(r)
	if err != nil {
		return nil, err
	}
	target, err := readOptionalString(r)
	if err != nil {
		return nil, err
	}
	topic, err := readOptionalString(r)
	if err != nil {
		return nil, err
	}
	payload, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	corrID, err := readOptionalID(r)
	if err != nil {
		return nil, err
	}
	createdAtNanos, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	deadlineFlag, err := readByte(r)
	if err != nil {
		return nil, err
	}
	var deadline *time.Time
	if deadlineFlag == 1 {
		nanos, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		d := time.Unix(0, nanos).UTC()
		deadline = &d
	}
	contentType, err := readString(r)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:            id.String(),
		Kind:          Kind(kindByte),
		Source:        source,
		Target:        target,
		Topic:         topic,
		Payload:       payload,
		CorrelationID: corrID,
		Metadata: Metadata{
			CreatedAt:   time.Unix(0, createdAtNanos).UTC(),
			Deadline:    deadline,
			ContentType: contentType,
		},
	}, nil
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

func readInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func writeBytes(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFieldLen {
		return nil, fmt.Errorf("envelope codec: field length %d exceeds limit", n)
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeString(w io.Writer, s string) error { return writeBytes(w, []byte(s)) }

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeOptionalString(w io.Writer, s string) error {
	if s == "" {
		return writeByte(w, 0)
	}
	if err := writeByte(w, 1); err != nil {
		return err
	}
	return writeString(w, s)
}

func readOptionalString(r io.Reader) (string, error) {
	flag := make([]byte, 1)
	if _, err := io.ReadFull(r, flag); err != nil {
		return "", err
	}
	if flag[0] == 0 {
		return "", nil
	}
	return readString(r)
}

func writeOptionalID(w io.Writer, idStr string) error {
	if idStr == "" {
		return writeByte(w, 0)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return fmt.Errorf("envelope codec: invalid correlation id %q: %w", idStr, err)
	}
	if err := writeByte(w, 1); err != nil {
		return err
	}
	idBytes, _ := id.MarshalBinary()
	_, err = w.Write(idBytes)
	return err
}

func readOptionalID(r io.Reader) (string, error) {
	flag := make([]byte, 1)
	if _, err := io.ReadFull(r, flag); err != nil {
		return "", err
	}
	if flag[0] == 0 {
		return "", nil
	}
	idBytes := make([]byte, 16)
	if _, err := io.ReadFull(r, idBytes); err != nil {
		return "", err
	}
	var id uuid.UUID
	if err := id.UnmarshalBinary(idBytes); err != nil {
		return "", err
	}
	return id.String(), nil
}

// PayloadCodec governs the "payload" field contents only — the user-defined
// typed values callers hand to Call/Publish — distinct from the envelope
// frame format above. Pinned to msgpack: a single compact binary format,
// no version negotiation, matching the codec's scope per spec §4.1.
type PayloadCodec struct{}

// Marshal encodes v into payload bytes.
func (PayloadCodec) Marshal(v interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("envelope codec: marshal payload: %w", err)
	}
	return b, nil
}

// Unmarshal decodes payload bytes into v (a pointer).
func (PayloadCodec) Unmarshal(payload []byte, v interface{}) error {
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("envelope codec: unmarshal payload: %w", err)
	}
	return nil
}
