package gossiplog

import (
	"bytes"
	"errors"
	"sort"
	"testing"
)

func testMessage() *Message {
	return &Message{Topic: "test", Clock: 1, Payload: []byte("hello")}
}

func TestEncodeDecodeMessage(t *testing.T) {
	sig := &Signature{Codec: "test", PublicKey: []byte("pub"), Signature: []byte("sig")}
	msg := testMessage()

	id, value, err := EncodeMessage(sig, msg)
	if err != nil {
		t.Fatal(err)
	}
	if id.Clock() != 1 {
		t.Errorf("wrong clock in id: %d", id.Clock())
	}

	id2, sig2, msg2, err := DecodeMessage(value)
	if err != nil {
		t.Fatal(err)
	}
	if id2 != id {
		t.Errorf("ids differ: %s != %s", id2, id)
	}
	if sig2.Codec != sig.Codec || !bytes.Equal(sig2.Signature, sig.Signature) || !bytes.Equal(sig2.PublicKey, sig.PublicKey) {
		t.Errorf("bad signature decoding: %+v", sig2)
	}
	if msg2.Topic != msg.Topic || msg2.Clock != msg.Clock || !bytes.Equal(msg2.Payload, msg.Payload) || len(msg2.Parents) != 0 {
		t.Errorf("bad message decoding: %+v", msg2)
	}

	// same content, same id
	id3, _, err := EncodeMessage(sig, testMessage())
	if err != nil {
		t.Fatal(err)
	}
	if id3 != id {
		t.Error("encoding is not deterministic")
	}
}

func TestDecodeRejectsNonCanonical(t *testing.T) {
	_, value, err := EncodeMessage(nil, testMessage())
	if err != nil {
		t.Fatal(err)
	}
	_, _, _, err = DecodeMessage(append(value, 0x00))
	var invalid *InvalidMessageError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidMessageError, got %v", err)
	}

	_, _, _, err = DecodeMessage(nil)
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidMessageError, got %v", err)
	}
}

func TestCodecKeyMismatch(t *testing.T) {
	c := NewCodec("test", false, true)
	id, value, err := c.Encode(nil, testMessage())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := c.Decode(id[:], value); err != nil {
		t.Fatal(err)
	}

	wrong := id
	wrong[IDSize-1] ^= 0xff
	_, _, _, err = c.Decode(wrong[:], value)
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptionError, got %v", err)
	}
}

func TestCodecValidation(t *testing.T) {
	parentA := makeID(1, bytes.Repeat([]byte{1}, hashSize))
	parentB := makeID(1, bytes.Repeat([]byte{2}, hashSize))
	sig := &Signature{Codec: "test"}

	cases := []struct {
		name       string
		signatures bool
		sequencing bool
		sig        *Signature
		msg        Message
		ok         bool
	}{
		{"sequenced", false, true, nil, Message{Topic: "test", Clock: 1}, true},
		{"clock zero when sequencing", false, true, nil, Message{Topic: "test"}, false},
		{"clock set without sequencing", false, false, nil, Message{Topic: "test", Clock: 1}, false},
		{"unsequenced", false, false, nil, Message{Topic: "test"}, true},
		{"parents without sequencing", false, false, nil, Message{Topic: "test", Parents: []ID{parentA}}, false},
		{"wrong topic", false, true, nil, Message{Topic: "other", Clock: 1}, false},
		{"sorted parents", false, true, nil, Message{Topic: "test", Clock: 2, Parents: []ID{parentA, parentB}}, true},
		{"unsorted parents", false, true, nil, Message{Topic: "test", Clock: 2, Parents: []ID{parentB, parentA}}, false},
		{"duplicate parents", false, true, nil, Message{Topic: "test", Clock: 2, Parents: []ID{parentA, parentA}}, false},
		{"parent not older", false, true, nil, Message{Topic: "test", Clock: 1, Parents: []ID{parentA}}, false},
		{"missing signature", true, true, nil, Message{Topic: "test", Clock: 1}, false},
		{"signed", true, true, sig, Message{Topic: "test", Clock: 1}, true},
		{"unexpected signature", false, true, sig, Message{Topic: "test", Clock: 1}, false},
	}

	for _, tc := range cases {
		msg := tc.msg
		_, _, err := NewCodec("test", tc.signatures, tc.sequencing).Encode(tc.sig, &msg)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error: %s", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}

func TestIDStringOrder(t *testing.T) {
	var ids []ID
	for clock := uint64(1); clock < 300; clock += 37 {
		for i := byte(0); i < 3; i++ {
			ids = append(ids, makeID(clock, bytes.Repeat([]byte{i * 90}, hashSize)))
		}
	}

	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
		parsed, err := ParseID(strs[i])
		if err != nil {
			t.Fatal(err)
		}
		if parsed != id {
			t.Fatalf("%s parsed into %s", id, parsed)
		}
	}
	if !sort.StringsAreSorted(strs) {
		t.Error("string form does not preserve id order")
	}

	if _, err := ParseID("not an id"); err == nil {
		t.Error("expected an error parsing garbage")
	}
}

func TestCodecRejectsOversizeEntry(t *testing.T) {
	c := NewCodec("test", false, true)
	msg := &Message{Topic: "test", Clock: 1, Payload: make([]byte, MaxEntrySize)}
	_, _, err := c.Encode(nil, msg)
	var invalid *InvalidMessageError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidMessageError, got %v", err)
	}

	// the same record slightly smaller fits
	msg.Payload = msg.Payload[:MaxEntrySize-1024]
	if _, _, err := c.Encode(nil, msg); err != nil {
		t.Fatal(err)
	}

	_, value, err := EncodeMessage(nil, &Message{Topic: "test", Clock: 1, Payload: make([]byte, MaxEntrySize)})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := c.Decode(nil, value); !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidMessageError decoding, got %v", err)
	}
}
