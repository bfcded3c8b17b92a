package dispatcher

import (
	"crypto/rand"
	"crypto/x509"
	"sync"

	"github.com/webcrypto-local/gateway/pkg/provider"
	"github.com/webcrypto-local/gateway/pkg/registry"
)

// KeyStore is the named-key storage the KeyStorage action family
// addresses: a string index to a live key object. The dispatcher holds
// one KeyStore shared by every provider and session; entries are not
// partitioned by provider id. It is distinct from the per-session
// handle registry, which is why
// KeyStorage.GetItem re-inserts into the registry rather than reading
// it directly.
type KeyStore struct {
	mu    sync.Mutex
	items map[string]*provider.Key
}

func NewKeyStore() *KeyStore {
	return &KeyStore{items: make(map[string]*provider.Key)}
}

// Set stores item under a freshly generated index and returns it.
func (k *KeyStore) Set(item *provider.Key) (string, error) {
	index, err := registry.RandomID(rand.Read)
	if err != nil {
		return "", err
	}
	k.mu.Lock()
	k.items[index] = item
	k.mu.Unlock()
	return index, nil
}

func (k *KeyStore) Get(index string) (*provider.Key, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	item, ok := k.items[index]
	return item, ok
}

func (k *KeyStore) Remove(index string) {
	k.mu.Lock()
	delete(k.items, index)
	k.mu.Unlock()
}

func (k *KeyStore) Keys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.items))
	for index := range k.items {
		out = append(out, index)
	}
	return out
}

func (k *KeyStore) Clear() {
	k.mu.Lock()
	k.items = make(map[string]*provider.Key)
	k.mu.Unlock()
}

// certEntry is one stored certificate and the public key the dispatcher
// derives from it, so GetItem can insert both the certificate and its
// public key as separate handle-registry entries sharing one thumbprint.
type certEntry struct {
	DER       []byte
	PublicKey *provider.Key
}

// CertStore mirrors KeyStore for the certificate-storage family.
type CertStore struct {
	mu    sync.Mutex
	items map[string]*certEntry
}

func NewCertStore() *CertStore {
	return &CertStore{items: make(map[string]*certEntry)}
}

func (c *CertStore) Set(entry *certEntry) (string, error) {
	index, err := registry.RandomID(rand.Read)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.items[index] = entry
	c.mu.Unlock()
	return index, nil
}

func (c *CertStore) Get(index string) (*certEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[index]
	return item, ok
}

func (c *CertStore) Remove(index string) {
	c.mu.Lock()
	delete(c.items, index)
	c.mu.Unlock()
}

func (c *CertStore) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for index := range c.items {
		out = append(out, index)
	}
	return out
}

func (c *CertStore) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*certEntry)
	c.mu.Unlock()
}

// parseCertPublicKey extracts the public key material from a DER
// certificate as a provider.Key, for ImportCert/GetItem.
func parseCertPublicKey(der []byte) (*provider.Key, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &provider.Key{
		Kind:        registry.KindPublic,
		Public:      cert.PublicKey,
		Extractable: true,
		Usages:      []string{"verify"},
	}, nil
}
