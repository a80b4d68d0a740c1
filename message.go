package gossiplog

import (
	"bytes"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

const (
	// IDSize is the length of a record id: an 8 byte big-endian clock
	// followed by a 16 byte content hash.
	IDSize = 8 + hashSize

	hashSize = 16
)

var idEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// ID identifies a record by content. Ids sort by clock first and by content
// hash within a clock, and so do their string forms.
type ID [IDSize]byte

// IDFromBytes copies b into an ID.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDSize {
		return id, fmt.Errorf("invalid id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseID parses the string form of an ID.
func ParseID(s string) (ID, error) {
	b, err := idEncoding.DecodeString(strings.ToUpper(s))
	if err != nil {
		return ID{}, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return IDFromBytes(b)
}

// Clock returns the logical clock encoded in the id.
func (id ID) Clock() uint64 {
	return binary.BigEndian.Uint64(id[:8])
}

// Bytes returns the id as a key for the tree index.
func (id ID) Bytes() []byte {
	return append([]byte(nil), id[:]...)
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Less orders ids the way the log iterates them.
func (id ID) Less(o ID) bool {
	return bytes.Compare(id[:], o[:]) < 0
}

func (id ID) String() string {
	return strings.ToLower(idEncoding.EncodeToString(id[:]))
}

func makeID(clock uint64, hash []byte) ID {
	var id ID
	binary.BigEndian.PutUint64(id[:8], clock)
	copy(id[8:], hash)
	return id
}

// Message is one record of the log.
type Message struct {
	Topic string
	// Clock is 0 when sequencing is disabled, otherwise one above the
	// highest parent clock, or 1 without parents.
	Clock   uint64
	Parents []ID
	Payload []byte
}

// Signature authenticates a Message. Codec names the scheme PublicKey and
// Signature are expressed in.
type Signature struct {
	Codec     string
	PublicKey []byte
	Signature []byte
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}
