package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
)

// KeyAlgorithm names a key pair type the CA can generate.
type KeyAlgorithm string

const (
	AlgorithmRSA2048   KeyAlgorithm = "rsa2048"
	AlgorithmECDSAP256 KeyAlgorithm = "ecdsa-p256"
)

// KeyGenerator creates key pairs for newly issued certificates.
type KeyGenerator interface {
	GenerateKey() (crypto.Signer, error)
}

// KeyGeneratorFunc adapts a function to KeyGenerator.
type KeyGeneratorFunc func() (crypto.Signer, error)

func (f KeyGeneratorFunc) GenerateKey() (crypto.Signer, error) {
	return f()
}

// NewKeyGenerator returns the generator for alg.
func NewKeyGenerator(alg KeyAlgorithm) (KeyGenerator, error) {
	switch alg {
	case AlgorithmRSA2048, "":
		return KeyGeneratorFunc(func() (crypto.Signer, error) {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				return nil, fmt.Errorf("generating RSA-2048 key: %w", err)
			}
			return k, nil
		}), nil
	case AlgorithmECDSAP256:
		return KeyGeneratorFunc(func() (crypto.Signer, error) {
			k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			if err != nil {
				return nil, fmt.Errorf("generating ECDSA P-256 key: %w", err)
			}
			return k, nil
		}), nil
	default:
		return nil, fmt.Errorf("unsupported key algorithm %q", alg)
	}
}

// keyAlgorithmString returns a human-readable key algorithm description.
func keyAlgorithmString(cert *x509.Certificate) string {
	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		return fmt.Sprintf("ECDSA %s", pub.Curve.Params().Name)
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA %d", pub.N.BitLen())
	default:
		return cert.PublicKeyAlgorithm.String()
	}
}
