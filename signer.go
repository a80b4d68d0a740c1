package gossiplog

import (
	"fmt"

	crypto "github.com/libp2p/go-libp2p-core/crypto"
	peer "github.com/libp2p/go-libp2p-core/peer"
)

// Libp2pKeyCodec names signatures made with libp2p keys. PublicKey holds
// the protobuf-marshalled key.
const Libp2pKeyCodec = "libp2p-key"

// Signer signs records appended locally.
type Signer interface {
	Sign(msg *Message) (*Signature, error)
}

// Verifier checks the signature of a record. A nil error means valid.
type Verifier interface {
	Verify(sig *Signature, msg *Message) error
}

type keySigner struct {
	priv crypto.PrivKey
	pub  []byte
}

// NewSigner returns a Signer using a libp2p private key.
func NewSigner(priv crypto.PrivKey) (Signer, error) {
	pub, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, err
	}
	return &keySigner{priv: priv, pub: pub}, nil
}

func (s *keySigner) Sign(msg *Message) (*Signature, error) {
	data, err := SigningBytes(msg)
	if err != nil {
		return nil, err
	}
	sig, err := s.priv.Sign(data)
	if err != nil {
		return nil, err
	}
	return &Signature{Codec: Libp2pKeyCodec, PublicKey: s.pub, Signature: sig}, nil
}

// Libp2pVerifier verifies signatures made by NewSigner.
type Libp2pVerifier struct{}

// Verify implements Verifier.
func (Libp2pVerifier) Verify(sig *Signature, msg *Message) error {
	if sig.Codec != Libp2pKeyCodec {
		return fmt.Errorf("unsupported signature codec %q", sig.Codec)
	}
	pub, err := crypto.UnmarshalPublicKey(sig.PublicKey)
	if err != nil {
		return err
	}
	data, err := SigningBytes(msg)
	if err != nil {
		return err
	}
	ok, err := pub.Verify(data, sig.Signature)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}

// SignerPeer returns the peer id of the key that made sig.
func SignerPeer(sig *Signature) (peer.ID, error) {
	if sig == nil || sig.Codec != Libp2pKeyCodec {
		return "", fmt.Errorf("not a libp2p key signature")
	}
	pub, err := crypto.UnmarshalPublicKey(sig.PublicKey)
	if err != nil {
		return "", err
	}
	return peer.IDFromPublicKey(pub)
}
