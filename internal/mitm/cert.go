// Package mitm provides MITM TLS termination for intercepting HTTPS traffic.
// It dynamically mints per-host leaf certificates signed by a local CA,
// enabling the proxy to decrypt, inspect, and modify HTTPS traffic before
// re-encrypting it to the origin.
package mitm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// defaultCertCacheCapacity bounds the in-memory S3-FIFO layer in front of the
// leaf-cert cache, whether its backing store is bbolt or in-memory. Per the
// design notes the cache may be bounded without changing observable behavior.
const defaultCertCacheCapacity = 10_000

// CA holds certificate authority material and mints per-host leaf certs.
type CA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey

	certDir string
	cache   PersistentCache // host -> (cert_path, key_path)

	// tlsMu/tlsCache hold parsed *tls.Certificate values so repeat TLS
	// handshakes for a host don't re-read and re-parse PEM from disk.
	tlsMu    sync.RWMutex
	tlsCache map[string]*tls.Certificate

	// inflight deduplicates concurrent mints for the same host, mirroring
	// the single-flight pattern the design notes recommend for cert
	// minting under concurrent load.
	inflightMu sync.Mutex
	inflight   map[string]*mintCall
}

// mintCall tracks one in-flight mint so concurrent callers for the same
// host share its result instead of each minting their own certificate.
type mintCall struct {
	wg    sync.WaitGroup
	paths LeafPaths
	err   error
}

// NewCA constructs a CA over an already-loaded cert/key, backed by a
// leaf-cert cache at certDir. cacheFile, if non-empty, persists the
// host→paths mapping in bbolt across restarts; otherwise the cache is
// in-memory only for the life of the process.
func NewCA(cert *x509.Certificate, key *rsa.PrivateKey, certDir, cacheFile string) (*CA, error) {
	var backing PersistentCache
	if cacheFile != "" {
		bc, err := newBboltCache(cacheFile)
		if err != nil {
			return nil, fmt.Errorf("open leaf cert cache: %w", err)
		}
		backing = bc
	} else {
		backing = newMemoryCache()
	}

	return &CA{
		cert:     cert,
		key:      key,
		certDir:  certDir,
		cache:    newS3FIFOCache(backing, defaultCertCacheCapacity),
		tlsCache: make(map[string]*tls.Certificate),
		inflight: make(map[string]*mintCall),
	}, nil
}

// EnsureCA loads the CA from certFile/keyFile, generating and persisting a
// new self-signed root if the files don't exist. It is idempotent: repeat
// calls against existing, valid files just load them.
func EnsureCA(certFile, keyFile, certDir, cacheFile string) (*CA, error) {
	cert, key, err := loadCAFiles(certFile, keyFile)
	if err == nil {
		log.Printf("[MITM] Loaded CA from %s / %s", certFile, keyFile)
		return NewCA(cert, key, certDir, cacheFile)
	}

	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load CA: %w", err)
	}

	log.Printf("[MITM] CA files not found, generating new root CA...")
	if genErr := generateCAFiles(certFile, keyFile); genErr != nil {
		return nil, fmt.Errorf("generate CA: %w", genErr)
	}
	cert, key, err = loadCAFiles(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load generated CA: %w", err)
	}
	log.Printf("[MITM] Generated new CA: %s / %s", certFile, keyFile)
	log.Printf("[MITM] Trust the CA certificate to enable HTTPS interception:")
	log.Printf("[MITM]   macOS:   security add-trusted-cert -d -r trustRoot -k ~/Library/Keychains/login.keychain %s", certFile)
	log.Printf("[MITM]   Linux:   sudo cp %s /usr/local/share/ca-certificates/shapeproxy.crt && sudo update-ca-certificates", certFile)
	log.Printf("[MITM]   Windows: certutil -addstore Root %s", certFile)
	return NewCA(cert, key, certDir, cacheFile)
}

// loadCAFiles reads a CA certificate and private key from PEM files.
func loadCAFiles(certFile, keyFile string) (*x509.Certificate, *rsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certFile) //nolint:gosec // controlled config path
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := os.ReadFile(keyFile) //nolint:gosec // controlled config path
	if err != nil {
		return nil, nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block found in %s", certFile)
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block found in %s", keyFile)
	}
	caKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, nil, fmt.Errorf("parse CA key: %w (also tried PKCS8: %v)", err, err2)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, fmt.Errorf("CA key is not RSA")
		}
		caKey = rsaKey
	}

	return caCert, caKey, nil
}

// generateCAFiles creates a new self-signed root CA and writes it atomically
// (temp file + rename) to certFile/keyFile.
func generateCAFiles(certFile, keyFile string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "Proxy CA",
			Organization: []string{"shapeproxy"},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:               time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:               x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA cert: %w", err)
	}

	if err := writeAtomicPEM(certFile, "CERTIFICATE", derBytes); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := writeAtomicPEM(keyFile, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key)); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}
	return nil
}

// writeAtomicPEM PEM-encodes der under blockType and writes it to path via a
// temp file + rename, so the file is never observed half-written.
func writeAtomicPEM(path, blockType string, der []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // no-op once renamed

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := pem.Encode(tmp, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// randomSerial returns a cryptographically random 160-bit serial number.
func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 160))
}

// GetLeaf returns the cert/key file paths for host, minting and persisting a
// new leaf certificate on first use. Concurrent calls for the same host are
// deduplicated via a single-flight map.
func (ca *CA) GetLeaf(host string) (certPath, keyPath string, err error) {
	if paths, ok := ca.cache.Get(host); ok {
		return paths.CertPath, paths.KeyPath, nil
	}

	ca.inflightMu.Lock()
	if call, ok := ca.inflight[host]; ok {
		ca.inflightMu.Unlock()
		call.wg.Wait()
		return call.paths.CertPath, call.paths.KeyPath, call.err
	}
	call := &mintCall{}
	call.wg.Add(1)
	ca.inflight[host] = call
	ca.inflightMu.Unlock()

	paths, mintErr := ca.mintLeaf(host)
	call.paths, call.err = paths, mintErr
	call.wg.Done()

	ca.inflightMu.Lock()
	delete(ca.inflight, host)
	ca.inflightMu.Unlock()

	if mintErr != nil {
		return "", "", mintErr
	}
	return paths.CertPath, paths.KeyPath, nil
}

// mintLeaf generates, signs, and persists a new leaf certificate for host.
func (ca *CA) mintLeaf(host string) (LeafPaths, error) {
	log.Printf("[MITM] Minting leaf certificate for %s", host)

	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return LeafPaths{}, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return LeafPaths{}, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &leafKey.PublicKey, ca.key)
	if err != nil {
		return LeafPaths{}, fmt.Errorf("sign leaf cert: %w", err)
	}

	if err := os.MkdirAll(ca.certDir, 0700); err != nil {
		return LeafPaths{}, fmt.Errorf("create cert dir: %w", err)
	}
	base := sanitizeHost(host)
	certPath := filepath.Join(ca.certDir, base+".crt")
	keyPath := filepath.Join(ca.certDir, base+".key")

	if err := writeAtomicPEM(certPath, "CERTIFICATE", derBytes); err != nil {
		return LeafPaths{}, fmt.Errorf("write leaf cert: %w", err)
	}
	if err := writeAtomicPEM(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(leafKey)); err != nil {
		return LeafPaths{}, fmt.Errorf("write leaf key: %w", err)
	}

	leaf := &tls.Certificate{Certificate: [][]byte{derBytes, ca.cert.Raw}, PrivateKey: leafKey}
	leaf.Leaf, _ = x509.ParseCertificate(derBytes)
	ca.tlsMu.Lock()
	ca.tlsCache[host] = leaf
	ca.tlsMu.Unlock()

	paths := LeafPaths{CertPath: certPath, KeyPath: keyPath}
	ca.cache.Set(host, paths)
	log.Printf("[MITM] Certificate minted for %s (expires %s)", host, leaf.Leaf.NotAfter.Format(time.RFC3339))
	return paths, nil
}

// sanitizeHost replaces characters unsafe in a file name with underscores.
// IPv6 literals (containing ':') are the only hosts likely to need this.
func sanitizeHost(host string) string {
	out := []byte(host)
	for i, c := range out {
		if c == ':' || c == '/' || c == '\\' {
			out[i] = '_'
		}
	}
	return string(out)
}

// certForTLS returns the parsed *tls.Certificate for host, loading it from
// the cached PEM files (or minting fresh) as needed. Used by
// TLSConfigForHost's GetCertificate callback during the TLS handshake.
func (ca *CA) certForTLS(host string) (*tls.Certificate, error) {
	ca.tlsMu.RLock()
	if c, ok := ca.tlsCache[host]; ok {
		ca.tlsMu.RUnlock()
		return c, nil
	}
	ca.tlsMu.RUnlock()

	certPath, keyPath, err := ca.GetLeaf(host)
	if err != nil {
		return nil, err
	}

	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load leaf cert pair: %w", err)
	}
	if pair.Leaf == nil {
		pair.Leaf, _ = x509.ParseCertificate(pair.Certificate[0])
	}

	ca.tlsMu.Lock()
	ca.tlsCache[host] = &pair
	ca.tlsMu.Unlock()
	return &pair, nil
}

// TLSConfigForHost returns a *tls.Config that presents a dynamically minted
// certificate for host. ALPN is intentionally not negotiated.
func (ca *CA) TLSConfigForHost(host string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return ca.certForTLS(host)
		},
	}
}

// Close releases the leaf-cert cache's resources (e.g. the bbolt file).
func (ca *CA) Close() error {
	return ca.cache.Close()
}

// CACertPEM is exposed so the management API can serve the CA certificate
// for client trust-store installation (GET /ca.crt).
func (ca *CA) CACertPEM() ([]byte, error) {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw}), nil
}
