package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	stdtls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// SelfSigned generates an ephemeral certificate for hosts (default
// localhost and 127.0.0.1) and returns a server config presenting it and a
// client config trusting only it. nextProtos is set on both sides.
func SelfSigned(nextProtos []string, hosts ...string) (server, client *stdtls.Config, err error) {
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: hosts[0]},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	cert := stdtls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf}
	server = &stdtls.Config{Certificates: []stdtls.Certificate{cert}, NextProtos: nextProtos, MinVersion: stdtls.VersionTLS12}
	client = &stdtls.Config{RootCAs: pool, NextProtos: nextProtos, MinVersion: stdtls.VersionTLS12}
	return server, client, nil
}

// LoadConfig builds server and client configs from PEM files. caFile, when
// set, is trusted for server verification and required of connecting
// clients. insecure disables server verification on the client side.
func LoadConfig(certFile, keyFile, caFile string, insecure bool) (server, client *stdtls.Config, err error) {
	if certFile == "" || keyFile == "" {
		return nil, nil, errors.New("tls: cert_file and key_file are required")
	}
	cert, err := stdtls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	server = &stdtls.Config{Certificates: []stdtls.Certificate{cert}, MinVersion: stdtls.VersionTLS12}
	client = &stdtls.Config{Certificates: []stdtls.Certificate{cert}, MinVersion: stdtls.VersionTLS12, InsecureSkipVerify: insecure}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, nil, fmt.Errorf("tls: read ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, nil, fmt.Errorf("tls: no certificates in %s", caFile)
		}
		server.ClientCAs = pool
		server.ClientAuth = stdtls.RequireAndVerifyClientCert
		client.RootCAs = pool
	}
	return server, client, nil
}
