package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// ALPN is negotiated by both sides; a peer speaking anything else is refused
// during the crypto handshake.
const ALPN = "explora/1"

// VerifyPolicy decides how a client treats the server's certificate.
type VerifyPolicy uint8

const (
	// VerifyStrict checks the certificate chain and the server name.
	VerifyStrict VerifyPolicy = iota
	// VerifyInsecure accepts any server identity. Only meant for local or
	// otherwise trusted deployments.
	VerifyInsecure
)

func (p VerifyPolicy) String() string {
	switch p {
	case VerifyStrict:
		return "strict"
	case VerifyInsecure:
		return "insecure"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// GenerateSelfSigned creates a certificate valid for the given host names
// and ip addresses.
func GenerateSelfSigned(hosts ...string) (tls.Certificate, error) {
	if len(hosts) == 0 {
		return tls.Certificate{}, errors.New("could not generate certificate: no hosts")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("could not generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("could not generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hosts[0]},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("could not create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("could not parse certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
}

func LoadServerTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("could not load certificate pair: %w", err)
	}
	return ServerTLSConfig(cert), nil
}

// ClientTLSConfig builds the client side config. With VerifyStrict a nil
// roots pool means the system roots.
func ClientTLSConfig(policy VerifyPolicy, serverName string, roots *x509.CertPool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		RootCAs:            roots,
		InsecureSkipVerify: policy == VerifyInsecure,
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
}

// CertPool trusts exactly the given certificates, which is what a client of
// a self-signed server needs.
func CertPool(certs ...tls.Certificate) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, cert := range certs {
		leaf := cert.Leaf
		if leaf == nil {
			if len(cert.Certificate) == 0 {
				return nil, errors.New("could not build cert pool: empty certificate")
			}
			var err error
			leaf, err = x509.ParseCertificate(cert.Certificate[0])
			if err != nil {
				return nil, fmt.Errorf("could not parse certificate: %w", err)
			}
		}
		pool.AddCert(leaf)
	}
	return pool, nil
}
