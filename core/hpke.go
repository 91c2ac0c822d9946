package core

// hpke.go – HPKE sealing/opening of VDAF input shares (spec §3 "two HPKE
// ciphertexts", §4.A step 3).
//
// Grounded on core/security.go's crypto-primitives style (package-level
// logger, small typed wrapper functions around a single crypto library) but
// rebuilt on github.com/cloudflare/circl/hpke, the real Go HPKE
// implementation already present on the dependency tree (via
// circl/sign/dilithium) — no corpus repo ships hand-rolled HPKE, so this is
// the one place the dependency is kept but its *subpackage* changes.

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/cloudflare/circl/hpke"
)

// HpkeCiphertext is one Aggregator's sealed input share: the KEM
// encapsulated key plus the AEAD-sealed payload.
type HpkeCiphertext struct {
	ConfigID uint8
	Enc      []byte
	Payload  []byte
}

// HpkeAeadID enumerates the AEAD suites a receiver config may advertise.
// ChaCha20Poly1305 is selected through circl's AEAD_ChaCha20Poly1305
// constant inside the HPKE ciphersuite itself; golang.org/x/crypto is not
// imported for it.
type HpkeAeadID = hpke.AEAD

const (
	HpkeAeadAES128GCM        = hpke.AEAD_AES128GCM
	HpkeAeadChaCha20Poly1305 = hpke.AEAD_ChaCha20Poly1305
)

// HpkeConfig is the public, advertisable half of a receiver configuration
// (what the `/hpke_config` endpoint returns, spec §6.1).
type HpkeConfig struct {
	ID        uint8
	KemID     hpke.KEM
	KdfID     hpke.KDF
	AeadID    hpke.AEAD
	PublicKey []byte
}

// HpkeReceiverConfig pairs an advertised HpkeConfig with its private key and
// is held only by the Aggregator process that owns it; it never crosses a
// process boundary.
type HpkeReceiverConfig struct {
	Config     HpkeConfig
	PrivateKey []byte
}

// NewHpkeReceiverConfig generates a fresh receiver configuration for the
// given ciphersuite, the way an operator provisions one config per
// Aggregator per key-rotation period (rotation/KV caching of configs is out
// of scope, see spec.md §1).
func NewHpkeReceiverConfig(id uint8, kemID hpke.KEM, kdfID hpke.KDF, aeadID hpke.AEAD) (*HpkeReceiverConfig, error) {
	suite := hpke.NewSuite(kemID, kdfID, aeadID)
	scheme := kemID.Scheme()
	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate hpke keypair: %w", err)
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal hpke public key: %w", err)
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal hpke private key: %w", err)
	}
	_ = suite // suite is reconstructed per-seal/open from the stored IDs
	return &HpkeReceiverConfig{
		Config: HpkeConfig{
			ID:        id,
			KemID:     kemID,
			KdfID:     kdfID,
			AeadID:    aeadID,
			PublicKey: pubBytes,
		},
		PrivateKey: privBytes,
	}, nil
}

// HpkeSeal seals plaintext to the given public receiver config, as a Client
// would when constructing a report. info and aad follow the DAP framing
// (media-type and task-id binding); kept as opaque byte strings here.
func HpkeSeal(cfg HpkeConfig, info, aad, plaintext []byte) (enc, payload []byte, err error) {
	suite := hpke.NewSuite(cfg.KemID, cfg.KdfID, cfg.AeadID)
	pub, err := cfg.KemID.Scheme().UnmarshalBinaryPublicKey(cfg.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHpkeUnknownConfigID, err)
	}
	sender, err := suite.NewSender(pub, info)
	if err != nil {
		return nil, nil, fmt.Errorf("hpke sender setup: %w", err)
	}
	encKey, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("hpke sender setup: %w", err)
	}
	ct, err := sealer.Seal(plaintext, aad)
	if err != nil {
		return nil, nil, fmt.Errorf("hpke seal: %w", err)
	}
	return encKey, ct, nil
}

// HpkeOpen opens a ciphertext produced by HpkeSeal using the matching
// receiver's private key. Errors are classified per spec §4.A step 3 so the
// Report Consumer can translate them into a TransitionFailure.
func HpkeOpen(recv *HpkeReceiverConfig, info, aad []byte, ct HpkeCiphertext) ([]byte, error) {
	cfg := recv.Config
	suite := hpke.NewSuite(cfg.KemID, cfg.KdfID, cfg.AeadID)
	priv, err := cfg.KemID.Scheme().UnmarshalBinaryPrivateKey(recv.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHpkeDecryptError, err)
	}
	receiver, err := suite.NewReceiver(priv, info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHpkeDecryptError, err)
	}
	opener, err := receiver.Setup(ct.Enc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHpkeDecryptError, err)
	}
	pt, err := opener.Open(ct.Payload, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHpkeDecryptError, err)
	}
	return pt, nil
}

// Sentinel wrapped errors distinguishing the HPKE failure modes the Report
// Consumer must map to TransitionFailure codes (spec §4.A step 3).
var (
	ErrHpkeDecryptError    = errors.New("hpke decrypt error")
	ErrHpkeUnknownConfigID = errors.New("hpke unknown config id")
	ErrHpkeUnknownAead     = errors.New("hpke unknown aead")
)

// HpkeConfigList is a small read-mostly directory of receiver configs keyed
// by config id, guarded the way core/access_control.go guards its role
// cache: a single RWMutex, no lock held across a suspension point (§5).
type HpkeConfigList struct {
	mu      sync.RWMutex
	configs map[uint8]*HpkeReceiverConfig
}

func NewHpkeConfigList() *HpkeConfigList {
	return &HpkeConfigList{configs: make(map[uint8]*HpkeReceiverConfig)}
}

func (l *HpkeConfigList) Put(cfg *HpkeReceiverConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs[cfg.Config.ID] = cfg
}

// Get returns a copy of the config pointer; callers must not hold the
// returned value across a suspension point longer than the read itself.
func (l *HpkeConfigList) Get(id uint8) (*HpkeReceiverConfig, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cfg, ok := l.configs[id]
	return cfg, ok
}

// Current returns the public half of every configured receiver config, the
// payload of a GET /hpke_config response.
func (l *HpkeConfigList) Current() []HpkeConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]HpkeConfig, 0, len(l.configs))
	for _, c := range l.configs {
		out = append(out, c.Config)
	}
	return out
}
