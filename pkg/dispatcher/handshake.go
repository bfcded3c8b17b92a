package dispatcher

import (
	"fmt"
	"log"
	"sync"

	"github.com/webcrypto-local/gateway/pkg/ratchet"
)

// preKeyLowWatermark is the refill threshold: once the one-time
// pre-key pool drops below this count the gateway tops it back up.
const preKeyLowWatermark = 10

// preKeyRefillCount is how many one-time pre-keys a refill generates.
const preKeyRefillCount = 50

// identityMaterial is the gateway's own long-lived identity plus its
// published bootstrap material. Only the identity is persisted (by
// cmd/gatewayd through pkg/store); the signed pre-key and the one-time
// pre-key pool are generated in memory when the dispatcher is built.
type identityMaterial struct {
	mu sync.Mutex

	identity       *ratchet.IdentityKeyPair
	signedPreKey   *ratchet.SignedPreKeyPrivate
	registrationID uint32

	nextOPKID uint32
	opks      map[uint32]*ratchet.OneTimePreKeyPrivate
}

func newIdentityMaterial(identity *ratchet.IdentityKeyPair, registrationID uint32) (*identityMaterial, error) {
	spk, err := ratchet.GenerateSignedPreKey(1, identity)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: generate signed pre-key: %w", err)
	}

	im := &identityMaterial{
		identity:       identity,
		signedPreKey:   spk,
		registrationID: registrationID,
		nextOPKID:      1,
		opks:           make(map[uint32]*ratchet.OneTimePreKeyPrivate),
	}
	if err := im.refill(); err != nil {
		return nil, err
	}
	return im, nil
}

func (im *identityMaterial) refill() error {
	im.mu.Lock()
	defer im.mu.Unlock()

	opks, err := ratchet.GenerateOneTimePreKeys(im.nextOPKID, preKeyRefillCount)
	if err != nil {
		return fmt.Errorf("dispatcher: generate one-time pre-keys: %w", err)
	}
	for _, opk := range opks {
		im.opks[opk.KeyID] = opk
	}
	im.nextOPKID += uint32(preKeyRefillCount)
	log.Printf("✅ Pre-key pool refilled (%d keys available)", len(im.opks))
	return nil
}

// bundle builds the PreKeyBundle published over the discovery endpoint.
func (im *identityMaterial) bundle(peerID string) *ratchet.PreKeyBundle {
	im.mu.Lock()
	defer im.mu.Unlock()

	opks := make([]*ratchet.OneTimePreKeyPrivate, 0, len(im.opks))
	for _, opk := range im.opks {
		opks = append(opks, opk)
		break // a fresh bundle advertises exactly one one-time pre-key at a time
	}
	return ratchet.NewPreKeyBundle(peerID, im.identity, im.signedPreKey, opks, im.registrationID)
}

// respond consumes the referenced one-time pre-key (if any) and checks
// the watermark, refilling the pool when it runs low.
func (im *identityMaterial) respond(initial *ratchet.InitialMessage) ([]byte, error) {
	im.mu.Lock()
	secret, err := ratchet.Respond(im.identity, im.signedPreKey, im.opks, initial)
	remaining := len(im.opks)
	im.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if remaining < preKeyLowWatermark {
		log.Printf("⚠️  Pre-key pool below watermark (%d remaining)", remaining)
		if refillErr := im.refill(); refillErr != nil {
			log.Printf("❌ Pre-key refill failed: %v", refillErr)
		}
	}
	return secret, nil
}
