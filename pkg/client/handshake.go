package client

import (
	"fmt"

	"github.com/webcrypto-local/gateway/pkg/ratchet"
	"github.com/webcrypto-local/gateway/pkg/wire"
)

// Handshake performs the initiator side of X3DH against a gateway's
// published pre-key bundle and sends the resulting InitialMessage as a
// single plaintext frame — the one frame on the wire that cannot be
// ratchet-encrypted, since it is what establishes the ratchet. It
// returns a Caller ready to Send authenticated actions once the
// gateway has completed its side and the session has moved past
// open-unauth.
func Handshake(conn *wire.Conn, senderID string, identity *ratchet.IdentityKeyPair, bundle *ratchet.PreKeyBundle, cipher ratchet.Cipher) (*Caller, error) {
	sharedSecret, ephPriv, ephPub, initial, err := ratchet.Initiate(senderID, identity, bundle)
	if err != nil {
		return nil, fmt.Errorf("client: x3dh initiate: %w", err)
	}

	if err := conn.Send(initial.Encode()); err != nil {
		return nil, fmt.Errorf("client: send initial message: %w", err)
	}

	remoteDHPub := ratchet.DHPublicKey(bundle.SignedPreKey.PublicKey)
	rs, err := ratchet.NewInitiatorSession(sharedSecret, remoteDHPub, ephPriv, ephPub, senderID, bundle.PeerID, cipher)
	if err != nil {
		return nil, fmt.Errorf("client: build initiator session: %w", err)
	}

	return New(conn, rs), nil
}
