// Copyright 2026 Edgeberry - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@edgeberry.io
//

// Package pki is the certificate authority of the device hub. It maintains
// the root CA on disk and issues CN-bound client certificates from device
// CSRs. All signing happens in-process with crypto/x509.
package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/core/logger"
)

const (
	// DefaultRootCN is the subject common name of a generated root CA.
	DefaultRootCN = "Edgeberry Device Hub Root CA"
	// DefaultRootDays is the validity of a generated root CA.
	DefaultRootDays = 3650
	// DefaultRootBits is the RSA key size of a generated root CA.
	DefaultRootBits = 4096
	// DefaultCertDays is the validity of issued client certificates.
	DefaultCertDays = 825
)

// CA is a loaded certificate authority.
type CA struct {
	cert    *x509.Certificate
	key     crypto.Signer
	certPEM []byte
}

// Certificate returns the CA certificate.
func (ca *CA) Certificate() *x509.Certificate {
	return ca.cert
}

// CertPEM returns the PEM encoded CA certificate, which doubles as the
// chain delivered to provisioned devices.
func (ca *CA) CertPEM() []byte {
	return append([]byte(nil), ca.certPEM...)
}

// EnsureRootCA loads the root CA from certPath/keyPath, generating a fresh
// self-signed one first if the files do not exist yet. Zero values select
// the defaults: CN "Edgeberry Device Hub Root CA", 3650 days, RSA 4096.
func EnsureRootCA(certPath, keyPath, cn string, days, bits int) (*CA, error) {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if certErr == nil && keyErr == nil {
		return LoadCA(certPath, keyPath)
	}
	if cn == "" {
		cn = DefaultRootCN
	}
	if days <= 0 {
		days = DefaultRootDays
	}
	if bits <= 0 {
		bits = DefaultRootBits
	}

	logger.Default().Infof("generating root CA %q (%d bits, %d days)", cn, bits, days)
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: cn,
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(0, 0, days),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certBytes})
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})

	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return nil, err
	}
	return LoadCA(certPath, keyPath)
}

// LoadCA loads a certificate authority from PEM files.
func LoadCA(certPath, keyPath string) (*CA, error) {
	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, core.Errorf(core.CodeNoRootCA, "cannot read CA certificate: %v", err)
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, core.Errorf(core.CodeNoRootCA, "cannot read CA key: %v", err)
	}

	certBlock, _ := pem.Decode(certData)
	if certBlock == nil {
		return nil, core.NewError(core.CodeNoRootCA, "CA certificate is not PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, core.Errorf(core.CodeNoRootCA, "cannot parse CA certificate: %v", err)
	}

	keyBlock, _ := pem.Decode(keyData)
	if keyBlock == nil {
		return nil, core.NewError(core.CodeNoRootCA, "CA key is not PEM")
	}
	key, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, core.Errorf(core.CodeNoRootCA, "cannot parse CA key: %v", err)
	}

	return &CA{
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}),
	}, nil
}

// IssueClientCert signs a device CSR. The CSR's subject common name must be
// exactly the device UUID; the issued certificate is a pure TLS client
// identity valid for the requested number of days, capped at the remaining
// root CA lifetime.
func (ca *CA) IssueClientCert(deviceUUID string, csrPEM []byte, days int) (certPEM, chainPEM []byte, err error) {
	if ca == nil || ca.cert == nil || ca.key == nil {
		return nil, nil, core.NewError(core.CodeNoRootCA, "root CA is not available")
	}

	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, nil, core.NewError(core.CodeInvalidCSR, "csrPem is not a certificate request")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, nil, core.Errorf(core.CodeInvalidCSR, "cannot parse certificate request: %v", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, nil, core.Errorf(core.CodeInvalidCSR, "bad certificate request signature: %v", err)
	}
	if csr.Subject.CommonName != deviceUUID {
		return nil, nil, core.Errorf(core.CodeCSRCNMismatch,
			"certificate request CN %q does not match device %q", csr.Subject.CommonName, deviceUUID)
	}

	if days <= 0 {
		days = DefaultCertDays
	}
	notAfter := time.Now().AddDate(0, 0, days)
	if notAfter.After(ca.cert.NotAfter) {
		notAfter = ca.cert.NotAfter
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, core.Errorf(core.CodeSigningFailed, "cannot generate serial: %v", err)
	}
	ski, err := subjectKeyID(csr.PublicKey)
	if err != nil {
		return nil, nil, core.Errorf(core.CodeSigningFailed, "cannot compute subject key id: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: deviceUUID,
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              notAfter,
		IsCA:                  false,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		SubjectKeyId:          ski,
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, ca.cert, csr.PublicKey, ca.key)
	if err != nil {
		return nil, nil, core.Errorf(core.CodeSigningFailed, "cannot sign certificate: %v", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certBytes})
	return certPEM, ca.CertPEM(), nil
}

// EnsureServiceCert issues a client identity for one of the hub's own
// services, such as the shared "provisioning" bootstrap identity. Key and
// certificate are written to keyPath and certPath unless both exist.
func EnsureServiceCert(ca *CA, certPath, keyPath, cn string, days int) error {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if certErr == nil && keyErr == nil {
		return nil
	}
	if ca == nil || ca.cert == nil {
		return core.NewError(core.CodeNoRootCA, "root CA is not available")
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return core.Errorf(core.CodeIssueFailed, "cannot generate key for %q: %v", cn, err)
	}
	if days <= 0 {
		days = DefaultCertDays
	}
	notAfter := time.Now().AddDate(0, 0, days)
	if notAfter.After(ca.cert.NotAfter) {
		notAfter = ca.cert.NotAfter
	}
	serial, err := randomSerial()
	if err != nil {
		return core.Errorf(core.CodeIssueFailed, "cannot generate serial: %v", err)
	}
	ski, err := subjectKeyID(&key.PublicKey)
	if err != nil {
		return core.Errorf(core.CodeIssueFailed, "cannot compute subject key id: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: cn,
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		SubjectKeyId:          ski,
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return core.Errorf(core.CodeIssueFailed, "cannot sign certificate for %q: %v", cn, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certBytes})
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return core.Errorf(core.CodeIssueFailed, "cannot marshal key for %q: %v", cn, err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})

	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return err
	}
	return os.WriteFile(keyPath, keyPEM, 0600)
}

// EnsureServerCert issues the TLS server identity of the embedded broker.
// Hosts may mix DNS names and IP addresses. Key and certificate are
// written to keyPath and certPath unless both exist.
func EnsureServerCert(ca *CA, certPath, keyPath, cn string, hosts []string, days int) error {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if certErr == nil && keyErr == nil {
		return nil
	}
	if ca == nil || ca.cert == nil {
		return core.NewError(core.CodeNoRootCA, "root CA is not available")
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return core.Errorf(core.CodeIssueFailed, "cannot generate key for %q: %v", cn, err)
	}
	if days <= 0 {
		days = DefaultCertDays
	}
	notAfter := time.Now().AddDate(0, 0, days)
	if notAfter.After(ca.cert.NotAfter) {
		notAfter = ca.cert.NotAfter
	}
	serial, err := randomSerial()
	if err != nil {
		return core.Errorf(core.CodeIssueFailed, "cannot generate serial: %v", err)
	}
	ski, err := subjectKeyID(&key.PublicKey)
	if err != nil {
		return core.Errorf(core.CodeIssueFailed, "cannot compute subject key id: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: cn,
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		SubjectKeyId:          ski,
	}
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return core.Errorf(core.CodeIssueFailed, "cannot sign certificate for %q: %v", cn, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certBytes})
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return core.Errorf(core.CodeIssueFailed, "cannot marshal key for %q: %v", cn, err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})

	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return err
	}
	return os.WriteFile(keyPath, keyPEM, 0600)
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T", key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unsupported private key encoding")
}

// randomSerial returns a random 128 bit certificate serial number.
func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

// subjectKeyID computes the RFC 5280 key identifier, the SHA-1 hash of the
// subject public key bit string.
func subjectKeyID(pub interface{}) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	var info struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spki, &info); err != nil {
		return nil, err
	}
	sum := sha1.Sum(info.SubjectPublicKey.Bytes)
	return sum[:], nil
}
