package gossiplog

import (
	"bytes"
	"fmt"

	sha256 "github.com/minio/sha256-simd"
	"github.com/ugorji/go/codec"

	"github.com/libp2p/go-libp2p-gossiplog/treesync"
)

// MaxEntrySize is the largest encoded entry a log accepts. Anything bigger
// could not be carried by one sync or push frame.
const MaxEntrySize = treesync.MaxEntrySize

// msgpackHandle encodes canonically: the same record always yields the
// same bytes, and therefore the same ID.
var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.Canonical = true
	h.WriteExt = true
	return h
}()

type wireMessage struct {
	_struct bool `codec:",toarray"` //nolint

	Topic   string
	Clock   uint64
	Parents [][]byte
	Payload []byte
}

type wireSignature struct {
	_struct bool `codec:",toarray"` //nolint

	Codec     string
	PublicKey []byte
	Signature []byte
}

type wireEntry struct {
	_struct bool `codec:",toarray"` //nolint

	Signature *wireSignature
	Message   wireMessage
}

func encodeMsgpack(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeMsgpack(bs []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(bs, msgpackHandle)
	return dec.Decode(v)
}

func toWireMessage(msg *Message) wireMessage {
	w := wireMessage{Topic: msg.Topic, Clock: msg.Clock, Payload: msg.Payload}
	if w.Payload == nil {
		w.Payload = []byte{}
	}
	w.Parents = make([][]byte, len(msg.Parents))
	for i, p := range msg.Parents {
		w.Parents[i] = p.Bytes()
	}
	return w
}

// SigningBytes returns the canonical encoding of msg that signatures cover.
func SigningBytes(msg *Message) ([]byte, error) {
	w := toWireMessage(msg)
	return encodeMsgpack(&w)
}

// EncodeMessage serializes a record without validating it against any log
// configuration and derives its ID.
func EncodeMessage(sig *Signature, msg *Message) (ID, []byte, error) {
	e := wireEntry{Message: toWireMessage(msg)}
	if sig != nil {
		e.Signature = &wireSignature{Codec: sig.Codec, PublicKey: sig.PublicKey, Signature: sig.Signature}
	}
	value, err := encodeMsgpack(&e)
	if err != nil {
		return ID{}, nil, err
	}
	return makeID(msg.Clock, contentHash(value)), value, nil
}

// DecodeMessage parses an entry value and derives its ID. Values that are
// not in canonical form are rejected.
func DecodeMessage(value []byte) (ID, *Signature, *Message, error) {
	var e wireEntry
	if err := decodeMsgpack(value, &e); err != nil {
		return ID{}, nil, nil, &InvalidMessageError{Reason: "malformed entry", Err: err}
	}

	msg := &Message{
		Topic:   e.Message.Topic,
		Clock:   e.Message.Clock,
		Payload: e.Message.Payload,
	}
	for _, p := range e.Message.Parents {
		id, err := IDFromBytes(p)
		if err != nil {
			return ID{}, nil, nil, &InvalidMessageError{Reason: "malformed parent", Err: err}
		}
		msg.Parents = append(msg.Parents, id)
	}
	var sig *Signature
	if e.Signature != nil {
		sig = &Signature{Codec: e.Signature.Codec, PublicKey: e.Signature.PublicKey, Signature: e.Signature.Signature}
	}

	id, canonical, err := EncodeMessage(sig, msg)
	if err != nil {
		return ID{}, nil, nil, err
	}
	if !bytes.Equal(canonical, value) {
		return ID{}, nil, nil, &InvalidMessageError{ID: id, Reason: "non-canonical encoding"}
	}
	return id, sig, msg, nil
}

func contentHash(value []byte) []byte {
	sum := sha256.Sum256(value)
	return sum[:hashSize]
}

// Codec validates records against one log's configuration before encoding
// them, and checks stored or received entries when decoding.
type Codec struct {
	topic      string
	signatures bool
	sequencing bool
}

// NewCodec returns the codec of a log with the given configuration.
func NewCodec(topic string, signatures, sequencing bool) *Codec {
	return &Codec{topic: topic, signatures: signatures, sequencing: sequencing}
}

// Encode validates the record and returns its key and value.
func (c *Codec) Encode(sig *Signature, msg *Message) (ID, []byte, error) {
	id, value, err := EncodeMessage(sig, msg)
	if err != nil {
		return ID{}, nil, err
	}
	if len(value) > MaxEntrySize {
		return ID{}, nil, &InvalidMessageError{ID: id, Reason: fmt.Sprintf("entry of %d bytes exceeds %d", len(value), MaxEntrySize)}
	}
	if err := c.validate(id, sig, msg); err != nil {
		return ID{}, nil, err
	}
	return id, value, nil
}

// Decode parses value and checks it. When key is not nil it must equal the
// key derived from the content; a mismatch is a *CorruptionError.
func (c *Codec) Decode(key, value []byte) (ID, *Signature, *Message, error) {
	if len(value) > MaxEntrySize {
		return ID{}, nil, nil, &InvalidMessageError{Reason: fmt.Sprintf("entry of %d bytes exceeds %d", len(value), MaxEntrySize)}
	}
	id, sig, msg, err := DecodeMessage(value)
	if err != nil {
		return ID{}, nil, nil, err
	}
	if key != nil && !bytes.Equal(key, id[:]) {
		return ID{}, nil, nil, &CorruptionError{Key: key, Reason: fmt.Sprintf("content derives key %s", id)}
	}
	if err := c.validate(id, sig, msg); err != nil {
		return ID{}, nil, nil, err
	}
	return id, sig, msg, nil
}

func (c *Codec) validate(id ID, sig *Signature, msg *Message) error {
	if msg.Topic != c.topic {
		return &InvalidMessageError{ID: id, Reason: fmt.Sprintf("topic %q does not match log topic %q", msg.Topic, c.topic)}
	}

	if c.sequencing {
		if msg.Clock == 0 {
			return &InvalidMessageError{ID: id, Reason: "sequenced message with clock 0"}
		}
	} else {
		if msg.Clock != 0 {
			return &InvalidMessageError{ID: id, Reason: "clock set on a log without sequencing"}
		}
		if len(msg.Parents) > 0 {
			return &InvalidMessageError{ID: id, Reason: "parents set on a log without sequencing"}
		}
	}

	for i, p := range msg.Parents {
		if i > 0 && !msg.Parents[i-1].Less(p) {
			return &InvalidMessageError{ID: id, Reason: "parents not sorted or not unique"}
		}
		if p.Clock() >= msg.Clock {
			return &InvalidMessageError{ID: id, Reason: fmt.Sprintf("parent %s is not older than the message", p)}
		}
	}

	if c.signatures && sig == nil {
		return &InvalidSignatureError{ID: id, Reason: "missing signature"}
	}
	if !c.signatures && sig != nil {
		return &InvalidSignatureError{ID: id, Reason: "unexpected signature"}
	}
	return nil
}
