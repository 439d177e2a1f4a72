package bus

import (
	"encoding/binary"
	"fmt"
	"io"
)

// The join handshake is the first exchange on every connection, before any
// envelope frame: the joining process advertises which room it wants to
// attach to and the label other processes will address it by (spec §6,
// "a process joins a named room ... and advertises a label"). Both fields
// are length-prefixed strings, matching the framing style of the envelope
// codec itself.

const maxJoinFieldLen = 4096

// Join sends the join handshake; called by the transport adapter when
// dialing the broker.
func Join(w io.Writer, room, label string) error {
	if err := writeJoinString(w, room); err != nil {
		return err
	}
	return writeJoinString(w, label)
}

// readJoin reads the join handshake; used by the broker when accepting a
// connection.
func readJoin(r io.Reader) (room, label string, err error) {
	room, err = readJoinString(r)
	if err != nil {
		return "", "", err
	}
	label, err = readJoinString(r)
	if err != nil {
		return "", "", err
	}
	if room == "" || label == "" {
		return "", "", fmt.Errorf("bus: join requires non-empty room and label")
	}
	return room, label, nil
}

func writeJoinString(w io.Writer, s string) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readJoinString(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxJoinFieldLen {
		return "", fmt.Errorf("bus: join field length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
