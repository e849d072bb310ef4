package tls

import (
	"crypto/tls"
	"crypto/x509"
	"testing"

	"behavior-gate/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevCertIsGeneratedAndReused(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)

	first, err := gen.GenerateCert([]string{"gate.local", "127.0.0.1"})
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "gate.local")
	require.Len(t, leaf.IPAddresses, 1)

	second, err := gen.GenerateCert([]string{"gate.local"})
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])
}

func TestManagerFallsBackToDevCertOutsideProduction(t *testing.T) {
	m := NewTLSManager(config.ServerConfig{EnableTLS: true, AutoCertDir: t.TempDir()}, "development")

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	require.NotNil(t, cert)
	assert.Nil(t, m.GetAutocertManager())

	again, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.Same(t, cert, again)
}

func TestManagerRefusesSelfSignedInProduction(t *testing.T) {
	m := NewTLSManager(config.ServerConfig{EnableTLS: true, AutoCertDir: t.TempDir()}, "production")

	_, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "gate.example"})
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestTLSConfigRequiresModernVersion(t *testing.T) {
	m := NewTLSManager(config.ServerConfig{}, "development")
	assert.Equal(t, uint16(tls.VersionTLS12), m.GetTLSConfig().MinVersion)
}
