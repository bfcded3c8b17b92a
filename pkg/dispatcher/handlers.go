package dispatcher

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/webcrypto-local/gateway/pkg/envelope"
	"github.com/webcrypto-local/gateway/pkg/provider"
	"github.com/webcrypto-local/gateway/pkg/registry"
)

// buildHandlerTable wires every action name to its HandlerFunc. Built
// once at New() time rather than as a long type-switch.
func buildHandlerTable() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"ProviderInfo":      handleProviderInfo,
		"ProviderGetCrypto": handleProviderGetCrypto,
		"IsLoggedIn":        handleIsLoggedIn,
		"Login":             handleLogin,

		"Digest":      handleDigest,
		"GenerateKey": handleGenerateKey,
		"Sign":        handleSign,
		"Verify":      handleVerify,
		"Encrypt":     handleEncrypt,
		"Decrypt":     handleDecrypt,
		"DeriveBits":  handleDeriveBits,
		"DeriveKey":   handleDeriveKey,
		"ImportKey":   handleImportKey,
		"ExportKey":   handleExportKey,
		"WrapKey":     handleWrapKey,
		"UnwrapKey":   handleUnwrapKey,

		"KeyStorage.GetItem":    handleKeyStorageGetItem,
		"KeyStorage.SetItem":    handleKeyStorageSetItem,
		"KeyStorage.RemoveItem": handleKeyStorageRemoveItem,
		"KeyStorage.Keys":       handleKeyStorageKeys,
		"KeyStorage.Clear":      handleKeyStorageClear,

		"CertStorage.GetItem":    handleCertStorageGetItem,
		"CertStorage.SetItem":    handleCertStorageSetItem,
		"CertStorage.RemoveItem": handleCertStorageRemoveItem,
		"CertStorage.Keys":       handleCertStorageKeys,
		"CertStorage.Clear":      handleCertStorageClear,
		"ImportCert":             handleImportCert,
		"ExportCert":             handleExportCert,
	}
}

// cryptoKeyWire is the wire rendering of a CryptoKey handle: the opaque
// triple plus the bookkeeping fields a client needs without ever seeing
// the live key material.
type cryptoKeyWire struct {
	Handle      registry.Handle `json:"handle"`
	Algorithm   string          `json:"algorithm"`
	Extractable bool            `json:"extractable"`
	Usages      []string        `json:"usages"`
}

// generateKeyResponse carries either a single key or a pair, mirroring
// WebCrypto's CryptoKey/CryptoKeyPair split result.
type generateKeyResponse struct {
	Pair       bool           `json:"pair"`
	Key        *cryptoKeyWire `json:"key,omitempty"`
	PublicKey  *cryptoKeyWire `json:"publicKey,omitempty"`
	PrivateKey *cryptoKeyWire `json:"privateKey,omitempty"`
}

func resolveProvider(sess *Session, d *Dispatcher, providerID string) (provider.Provider, error) {
	prov, ok := d.providers.Get(providerID)
	if !ok {
		return nil, ErrProviderNotFound
	}
	return prov, nil
}

// resolveHandle looks up a wire handle in the session's registry and
// type-asserts its live object to *provider.Key. A miss surfaces the
// protocol's own error string, not the registry-internal one.
func resolveHandle(sess *Session, h registry.Handle) (*provider.Key, error) {
	entry, err := sess.reg.Lookup(h)
	if err != nil {
		return nil, handleNotFoundError(h.ID)
	}
	key, ok := entry.LiveObject.(*provider.Key)
	if !ok {
		return nil, handleNotFoundError(h.ID)
	}
	return key, nil
}

// keyID computes the handle id a freshly produced key is inserted
// under: a canonical-SPKI thumbprint for public keys, 32 random bytes
// otherwise.
func keyID(prov provider.Provider, key *provider.Key) (string, error) {
	if key.Kind != registry.KindPublic {
		return registry.RandomID(rand.Read)
	}
	canon, ok := prov.(registry.CanonicalExporter)
	if !ok {
		return "", fmt.Errorf("provider %s cannot canonicalize public keys", prov.ID())
	}
	jwk, err := prov.ExportKey("jwk", key)
	if err != nil {
		return "", err
	}
	return registry.Thumbprint(jwk, canon)
}

func insertKey(sess *Session, providerID string, prov provider.Provider, key *provider.Key) (cryptoKeyWire, error) {
	id, err := keyID(prov, key)
	if err != nil {
		return cryptoKeyWire{}, err
	}
	h := sess.reg.Insert(id, providerID, key.Kind, key)
	return cryptoKeyWire{Handle: h, Algorithm: key.Algorithm, Extractable: key.Extractable, Usages: key.Usages}, nil
}

func insertKeyWithID(sess *Session, providerID, id string, key *provider.Key) cryptoKeyWire {
	h := sess.reg.Insert(id, providerID, key.Kind, key)
	return cryptoKeyWire{Handle: h, Algorithm: key.Algorithm, Extractable: key.Extractable, Usages: key.Usages}
}

// overrideKey applies the caller-supplied algorithm and usages a
// storage GetItem may carry, returning a copy so the stored key is
// never mutated. Absent fields leave the stored values in place.
func overrideKey(key *provider.Key, alg *provider.Algorithm, usages []string) *provider.Key {
	if alg == nil && usages == nil {
		return key
	}
	k := *key
	if alg != nil {
		k.Algorithm = alg.Name
	}
	if usages != nil {
		k.Usages = usages
	}
	return &k
}

// x509Entry is the live object behind a KindX509 handle: the raw DER
// bytes ExportCert hands back, keyed in the registry rather than a
// separate store so the handle alone is enough to retrieve it.
type x509Entry struct {
	DER       []byte
	Algorithm string
}

func insertCertHandle(sess *Session, providerID, id string, der []byte, algorithm string) cryptoKeyWire {
	obj := &x509Entry{DER: der, Algorithm: algorithm}
	h := sess.reg.Insert(id, providerID, registry.KindX509, obj)
	return cryptoKeyWire{Handle: h, Algorithm: algorithm, Extractable: true, Usages: []string{"verify"}}
}

// --- Provider family -------------------------------------------------

func handleProviderInfo(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	return json.Marshal(d.providers.List())
}

type providerGetCryptoRequest struct {
	ProviderID string `json:"providerId"`
}

func handleProviderGetCrypto(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req providerGetCryptoRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	if _, err := resolveProvider(sess, d, req.ProviderID); err != nil {
		return nil, err
	}
	return nil, nil
}

func handleIsLoggedIn(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	if sess.isAuthorized() {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

type loginRequest struct {
	ProviderID string `json:"providerId"`
}

func handleLogin(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req loginRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	if _, err := resolveProvider(sess, d, req.ProviderID); err != nil {
		return nil, err
	}

	if d.prompt != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.loginTimeout)
		defer cancel()
		if err := d.prompt(ctx, req.ProviderID); err != nil {
			if ctx.Err() != nil {
				return nil, ErrLoginTimeout
			}
			return nil, err
		}
	}

	sess.setAuthorized(req.ProviderID)
	d.pushEvent(sess, "token.authorized", nil)
	return nil, nil
}

// --- Subtle family -----------------------------------------------------

type digestRequest struct {
	ProviderID string             `json:"providerId"`
	Algorithm  provider.Algorithm `json:"algorithm"`
	Data       []byte             `json:"data"`
}

func handleDigest(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req digestRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	prov, err := resolveProvider(sess, d, req.ProviderID)
	if err != nil {
		return nil, err
	}
	return prov.Digest(req.Algorithm, req.Data)
}

type generateKeyRequest struct {
	ProviderID  string             `json:"providerId"`
	Algorithm   provider.Algorithm `json:"algorithm"`
	Extractable bool               `json:"extractable"`
	Usages      []string           `json:"usages"`
}

func handleGenerateKey(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req generateKeyRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	prov, err := resolveProvider(sess, d, req.ProviderID)
	if err != nil {
		return nil, err
	}

	result, err := prov.GenerateKey(req.Algorithm, req.Extractable, req.Usages)
	if err != nil {
		return nil, err
	}

	if result.IsPair() {
		pubWire, err := insertKey(sess, req.ProviderID, prov, result.PublicKey)
		if err != nil {
			return nil, err
		}
		// Both halves of a pair share the public key's thumbprint as
		// their handle id, assigned here rather than re-derived.
		privWire := insertKeyWithID(sess, req.ProviderID, pubWire.Handle.ID, result.PrivateKey)
		return json.Marshal(generateKeyResponse{Pair: true, PublicKey: &pubWire, PrivateKey: &privWire})
	}

	secretWire, err := insertKey(sess, req.ProviderID, prov, result.SecretKey)
	if err != nil {
		return nil, err
	}
	return json.Marshal(generateKeyResponse{Key: &secretWire})
}

type signVerifyRequest struct {
	ProviderID string             `json:"providerId"`
	Algorithm  provider.Algorithm `json:"algorithm"`
	KeyHandle  registry.Handle    `json:"keyHandle"`
	Data       []byte             `json:"data"`
	Signature  []byte             `json:"signature,omitempty"`
}

func handleSign(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req signVerifyRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	prov, err := resolveProvider(sess, d, req.ProviderID)
	if err != nil {
		return nil, err
	}
	key, err := resolveHandle(sess, req.KeyHandle)
	if err != nil {
		return nil, err
	}
	return prov.Sign(req.Algorithm, key, req.Data)
}

func handleVerify(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req signVerifyRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	prov, err := resolveProvider(sess, d, req.ProviderID)
	if err != nil {
		return nil, err
	}
	key, err := resolveHandle(sess, req.KeyHandle)
	if err != nil {
		return nil, err
	}
	ok, err := prov.Verify(req.Algorithm, key, req.Data, req.Signature)
	if err != nil {
		return nil, err
	}
	if ok {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

type encryptDecryptRequest struct {
	ProviderID string             `json:"providerId"`
	Algorithm  provider.Algorithm `json:"algorithm"`
	KeyHandle  registry.Handle    `json:"keyHandle"`
	Data       []byte             `json:"data"`
}

func handleEncrypt(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req encryptDecryptRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	prov, err := resolveProvider(sess, d, req.ProviderID)
	if err != nil {
		return nil, err
	}
	key, err := resolveHandle(sess, req.KeyHandle)
	if err != nil {
		return nil, err
	}
	return prov.Encrypt(req.Algorithm, key, req.Data)
}

func handleDecrypt(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req encryptDecryptRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	prov, err := resolveProvider(sess, d, req.ProviderID)
	if err != nil {
		return nil, err
	}
	key, err := resolveHandle(sess, req.KeyHandle)
	if err != nil {
		return nil, err
	}
	return prov.Decrypt(req.Algorithm, key, req.Data)
}

type deriveBitsRequest struct {
	ProviderID   string             `json:"providerId"`
	Algorithm    provider.Algorithm `json:"algorithm"`
	PublicHandle registry.Handle    `json:"publicHandle"`
	KeyHandle    registry.Handle    `json:"keyHandle"`
	Length       int                `json:"length"`
}

func handleDeriveBits(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req deriveBitsRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	prov, err := resolveProvider(sess, d, req.ProviderID)
	if err != nil {
		return nil, err
	}
	key, err := resolveHandle(sess, req.KeyHandle)
	if err != nil {
		return nil, err
	}
	// alg.public arrives on the wire as a serialized handle; resolved
	// from the registry before the subtle call.
	pub, err := resolveHandle(sess, req.PublicHandle)
	if err != nil {
		return nil, err
	}
	req.Algorithm.Public = pub
	return prov.DeriveBits(req.Algorithm, key, req.Length)
}

type deriveKeyRequest struct {
	ProviderID       string             `json:"providerId"`
	Algorithm        provider.Algorithm `json:"algorithm"`
	PublicHandle     registry.Handle    `json:"publicHandle"`
	KeyHandle        registry.Handle    `json:"keyHandle"`
	DerivedAlgorithm provider.Algorithm `json:"derivedKeyAlgorithm"`
	Extractable      bool               `json:"extractable"`
	Usages           []string           `json:"usages"`
}

// handleDeriveKey is built on DeriveBits: WebCrypto's deriveKey is
// specified as deriveBits followed by an import of the resulting raw
// bytes under derivedKeyAlgorithm, so no separate provider method is
// needed for it.
func handleDeriveKey(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req deriveKeyRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	prov, err := resolveProvider(sess, d, req.ProviderID)
	if err != nil {
		return nil, err
	}
	key, err := resolveHandle(sess, req.KeyHandle)
	if err != nil {
		return nil, err
	}
	pub, err := resolveHandle(sess, req.PublicHandle)
	if err != nil {
		return nil, err
	}
	req.Algorithm.Public = pub

	length := req.DerivedAlgorithm.Length
	if length == 0 {
		length = 256
	}
	bits, err := prov.DeriveBits(req.Algorithm, key, length)
	if err != nil {
		return nil, err
	}

	derived, err := prov.ImportKey("raw", bits, req.DerivedAlgorithm, req.Extractable, req.Usages)
	if err != nil {
		return nil, err
	}
	wire, err := insertKey(sess, req.ProviderID, prov, derived)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

type importKeyRequest struct {
	ProviderID  string             `json:"providerId"`
	Format      string             `json:"format"`
	KeyData     []byte             `json:"keyData"`
	Algorithm   provider.Algorithm `json:"algorithm"`
	Extractable bool               `json:"extractable"`
	Usages      []string           `json:"usages"`
}

func handleImportKey(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req importKeyRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	prov, err := resolveProvider(sess, d, req.ProviderID)
	if err != nil {
		return nil, err
	}
	key, err := prov.ImportKey(req.Format, req.KeyData, req.Algorithm, req.Extractable, req.Usages)
	if err != nil {
		return nil, err
	}
	wire, err := insertKey(sess, req.ProviderID, prov, key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

type exportKeyRequest struct {
	ProviderID string          `json:"providerId"`
	Format     string          `json:"format"`
	KeyHandle  registry.Handle `json:"keyHandle"`
}

func handleExportKey(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req exportKeyRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	prov, err := resolveProvider(sess, d, req.ProviderID)
	if err != nil {
		return nil, err
	}
	key, err := resolveHandle(sess, req.KeyHandle)
	if err != nil {
		return nil, err
	}
	return prov.ExportKey(req.Format, key)
}

type wrapKeyRequest struct {
	ProviderID     string             `json:"providerId"`
	Format         string             `json:"format"`
	KeyHandle      registry.Handle    `json:"keyHandle"`
	WrappingHandle registry.Handle    `json:"wrappingKeyHandle"`
	WrapAlgorithm  provider.Algorithm `json:"wrapAlgorithm"`
}

func handleWrapKey(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req wrapKeyRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	prov, err := resolveProvider(sess, d, req.ProviderID)
	if err != nil {
		return nil, err
	}
	key, err := resolveHandle(sess, req.KeyHandle)
	if err != nil {
		return nil, err
	}
	wrapping, err := resolveHandle(sess, req.WrappingHandle)
	if err != nil {
		return nil, err
	}
	return prov.WrapKey(req.Format, key, wrapping, req.WrapAlgorithm)
}

type unwrapKeyRequest struct {
	ProviderID         string             `json:"providerId"`
	Format             string             `json:"format"`
	Wrapped            []byte             `json:"wrapped"`
	UnwrappingHandle   registry.Handle    `json:"unwrappingKeyHandle"`
	UnwrapAlgorithm    provider.Algorithm `json:"unwrapAlgorithm"`
	UnwrappedAlgorithm provider.Algorithm `json:"unwrappedKeyAlgorithm"`
	Extractable        bool               `json:"extractable"`
	Usages             []string           `json:"usages"`
}

func handleUnwrapKey(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req unwrapKeyRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	prov, err := resolveProvider(sess, d, req.ProviderID)
	if err != nil {
		return nil, err
	}
	unwrapping, err := resolveHandle(sess, req.UnwrappingHandle)
	if err != nil {
		return nil, err
	}
	key, err := prov.UnwrapKey(req.Format, req.Wrapped, unwrapping, req.UnwrapAlgorithm, req.UnwrappedAlgorithm, req.Extractable, req.Usages)
	if err != nil {
		return nil, err
	}
	wire, err := insertKey(sess, req.ProviderID, prov, key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

// --- Key-storage family --------------------------------------------

type keyStorageGetItemRequest struct {
	ProviderID string              `json:"providerId"`
	Index      string              `json:"index"`
	Algorithm  *provider.Algorithm `json:"algorithm,omitempty"`
	Usages     []string            `json:"usages,omitempty"`
}

func handleKeyStorageGetItem(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req keyStorageGetItemRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	prov, err := resolveProvider(sess, d, req.ProviderID)
	if err != nil {
		return nil, err
	}
	key, ok := d.keys.Get(req.Index)
	if !ok {
		return nil, keyNotFoundError(req.Index)
	}
	wire, err := insertKey(sess, req.ProviderID, prov, overrideKey(key, req.Algorithm, req.Usages))
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

type keyStorageSetItemRequest struct {
	ProviderID string          `json:"providerId"`
	KeyHandle  registry.Handle `json:"keyHandle"`
}

type keyStorageSetItemResponse struct {
	Index string `json:"index"`
}

func handleKeyStorageSetItem(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req keyStorageSetItemRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	key, err := resolveHandle(sess, req.KeyHandle)
	if err != nil {
		return nil, err
	}
	index, err := d.keys.Set(key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(keyStorageSetItemResponse{Index: index})
}

type keyStorageIndexRequest struct {
	Index string `json:"index"`
}

func handleKeyStorageRemoveItem(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req keyStorageIndexRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	d.keys.Remove(req.Index)
	return nil, nil
}

func handleKeyStorageKeys(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	return json.Marshal(d.keys.Keys())
}

func handleKeyStorageClear(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	d.keys.Clear()
	return nil, nil
}

// --- Certificate-storage family --------------------------------------

type certStorageGetItemResponse struct {
	Cert      cryptoKeyWire `json:"cert"`
	PublicKey cryptoKeyWire `json:"publicKey"`
}

func handleCertStorageGetItem(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req keyStorageGetItemRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	entry, ok := d.certs.Get(req.Index)
	if !ok {
		return nil, keyNotFoundError(req.Index)
	}

	prov, err := resolveProvider(sess, d, req.ProviderID)
	if err != nil {
		return nil, err
	}
	pub := overrideKey(entry.PublicKey, req.Algorithm, req.Usages)
	pubWire, err := insertKey(sess, req.ProviderID, prov, pub)
	if err != nil {
		return nil, err
	}

	// The certificate handle shares the public key's thumbprint id: two
	// handle-registry entries, the certificate and its public key, both
	// keyed by the same thumbprint.
	certWire := insertCertHandle(sess, req.ProviderID, pubWire.Handle.ID, entry.DER, pub.Algorithm)

	return json.Marshal(certStorageGetItemResponse{Cert: certWire, PublicKey: pubWire})
}

type certStorageSetItemRequest struct {
	DER []byte `json:"der"`
}

type certStorageSetItemResponse struct {
	Index string `json:"index"`
}

func handleCertStorageSetItem(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req certStorageSetItemRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	pub, err := parseCertPublicKey(req.DER)
	if err != nil {
		return nil, err
	}
	index, err := d.certs.Set(&certEntry{DER: req.DER, PublicKey: pub})
	if err != nil {
		return nil, err
	}
	return json.Marshal(certStorageSetItemResponse{Index: index})
}

func handleCertStorageRemoveItem(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req keyStorageIndexRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	d.certs.Remove(req.Index)
	return nil, nil
}

func handleCertStorageKeys(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	return json.Marshal(d.certs.Keys())
}

func handleCertStorageClear(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	d.certs.Clear()
	return nil, nil
}

type importCertRequest struct {
	ProviderID string             `json:"providerId"`
	Type       string             `json:"type"`
	Data       []byte             `json:"data"`
	Algorithm  provider.Algorithm `json:"algorithm"`
	Usages     []string           `json:"usages"`
}

func handleImportCert(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req importCertRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	prov, err := resolveProvider(sess, d, req.ProviderID)
	if err != nil {
		return nil, err
	}
	pub, err := parseCertPublicKey(req.Data)
	if err != nil {
		return nil, err
	}
	pub.Algorithm = req.Algorithm.Name
	pub.Usages = req.Usages

	pubWire, err := insertKey(sess, req.ProviderID, prov, pub)
	if err != nil {
		return nil, err
	}
	certWire := insertCertHandle(sess, req.ProviderID, pubWire.Handle.ID, req.Data, req.Algorithm.Name)
	return json.Marshal(certStorageGetItemResponse{Cert: certWire, PublicKey: pubWire})
}

type exportCertRequest struct {
	Format     string          `json:"format"`
	CertHandle registry.Handle `json:"certHandle"`
}

func handleExportCert(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error) {
	var req exportCertRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	entry, err := sess.reg.Lookup(req.CertHandle)
	if err != nil {
		return nil, handleNotFoundError(req.CertHandle.ID)
	}
	cert, ok := entry.LiveObject.(*x509Entry)
	if !ok {
		return nil, handleNotFoundError(req.CertHandle.ID)
	}
	return cert.DER, nil
}

func encodeTokenEvent(evt provider.TokenEvent) ([]byte, error) {
	return json.Marshal(evt)
}
