//go:build pkcs11

package provider

import "fmt"

// PKCS11 is a token-backed Provider built on a loaded PKCS#11 module.
// It sits behind the pkcs11 build tag so the gateway compiles and runs
// fully hardware-free by default; this file shows the shape a real
// binding (e.g. github.com/miekg/pkcs11) would fill in with vendor
// module loading and slot/session management.
type PKCS11 struct {
	id         string
	modulePath string
}

// NewPKCS11 opens a PKCS#11 module at modulePath. A real implementation
// calls C_Initialize and enumerates slots here; this build-tag-gated
// stub returns an error so a pkcs11-tagged build without a module
// configured fails loudly instead of silently no-op-ing.
func NewPKCS11(id, modulePath string) (*PKCS11, error) {
	return nil, fmt.Errorf("provider: no pkcs11 binding compiled in; wire a real binding to use %s", modulePath)
}

func (p *PKCS11) ID() string { return p.id }
