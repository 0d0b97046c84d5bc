// This package defines the id type used for locally stored messages. Ids are random 16 byte values and are the
// primary key of a message; sent_at and received_at are only ever secondary lookup keys.
package ids

import (
	"bytes"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

type ID [16]byte

var Zero ID

func IDFromBytes(b []byte) ID {
	return [16]byte(b)
}

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("ids: invalid id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("ids: expected %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) IsZero() bool {
	return id == Zero
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}
