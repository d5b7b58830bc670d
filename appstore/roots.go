package appstore

import (
	"crypto/x509"
	"crypto/x509/pkix"
	_ "embed"
	"encoding/asn1"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
)

// AppleRootCAG3 is Apple Root CA - G3, the anchor of every App Store JWS chain.
//
//go:embed AppleRootCA-G3.pem
var AppleRootCAG3 []byte

var (
	// leaf certificates Apple uses to sign App Store payloads
	oidAppStoreSigner = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 11, 1}
	// Apple Worldwide Developer Relations intermediates
	oidAppleWWDRIntermediate = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 2, 1}
)

var (
	rootOnce sync.Once
	rootPool *x509.CertPool
)

// AppleRoots returns a pool holding only Apple Root CA - G3.
func AppleRoots() *x509.CertPool {
	rootOnce.Do(func() {
		rootPool = x509.NewCertPool()
		if !rootPool.AppendCertsFromPEM(AppleRootCAG3) {
			panic("appstore: embedded Apple root certificate is invalid")
		}
	})
	return rootPool
}

// LoadRootCertificates reads PEM or DER encoded root certificates from files.
func LoadRootCertificates(paths ...string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if pool.AppendCertsFromPEM(b) {
			continue
		}
		c, err := x509.ParseCertificate(b)
		if err != nil {
			return nil, errors.New("appstore: " + p + " holds no certificate")
		}
		pool.AddCert(c)
	}
	return pool, nil
}

// checkAppleMarkers requires the App Store extensions on a verified
// leaf, intermediate, root chain.
func checkAppleMarkers(chain []*x509.Certificate) error {
	if len(chain) < 3 {
		return fmt.Errorf("%w: certificate chain has %d certificates, want 3", ErrInvalidSignature, len(chain))
	}
	if !hasExtension(chain[0], oidAppStoreSigner) {
		return fmt.Errorf("%w: leaf is not an App Store signing certificate", ErrInvalidSignature)
	}
	if !hasExtension(chain[1], oidAppleWWDRIntermediate) {
		return fmt.Errorf("%w: intermediate is not an Apple WWDR certificate", ErrInvalidSignature)
	}
	return nil
}

func hasExtension(c *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	return slices.ContainsFunc(c.Extensions, func(e pkix.Extension) bool { return e.Id.Equal(oid) })
}
