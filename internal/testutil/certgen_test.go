package testutil_test

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h1core/internal/testutil"
	"example.com/h1core/internal/transport"
)

func TestGenerateSelfSignedCertKeyPEM(t *testing.T) {
	for _, host := range []string{"localhost", "127.0.0.1", "example.com"} {
		t.Run(host, func(t *testing.T) {
			certPEM, keyPEM, err := testutil.GenerateSelfSignedCertKeyPEM(host)
			require.NoError(t, err)

			certBlock, _ := pem.Decode(certPEM)
			require.NotNil(t, certBlock)
			assert.Equal(t, "CERTIFICATE", certBlock.Type)
			cert, err := x509.ParseCertificate(certBlock.Bytes)
			require.NoError(t, err)

			keyBlock, _ := pem.Decode(keyPEM)
			require.NotNil(t, keyBlock)
			key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
			require.NoError(t, err)
			_, ok := key.(*ecdsa.PrivateKey)
			assert.True(t, ok, "expected an ECDSA key, got %T", key)

			_, err = tls.X509KeyPair(certPEM, keyPEM)
			require.NoError(t, err)

			assert.Contains(t, cert.DNSNames, "localhost")
			if ip := net.ParseIP(host); ip != nil {
				require.NoError(t, cert.VerifyHostname(host))
			} else {
				assert.Contains(t, cert.DNSNames, host)
			}
		})
	}
}

func TestGenerateSelfSignedCertKeyFiles(t *testing.T) {
	certFile, keyFile := testutil.GenerateSelfSignedCertKeyFiles(t, "localhost")
	_, err := tls.LoadX509KeyPair(certFile, keyFile)
	require.NoError(t, err)
}

func TestTLSConfigs_Handshake(t *testing.T) {
	serverCfg, clientCfg := testutil.TLSConfigs(t, "http/1.1")
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	errCh := make(chan error, 1)
	go func() {
		c := tls.Client(b, clientCfg)
		errCh <- c.Handshake()
	}()
	s := tls.Server(a, serverCfg)
	require.NoError(t, s.Handshake())
	require.NoError(t, <-errCh)
	assert.Equal(t, "http/1.1", s.ConnectionState().NegotiatedProtocol)
}

func TestMemoryStream_RecordsFirstShutdown(t *testing.T) {
	server, client := testutil.NewStreamPair()
	defer client.Close()

	go func() { _, _ = server.Write([]byte("hi")) }()
	buf := make([]byte, 2)
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))

	require.NoError(t, server.Shutdown(transport.Reset))
	require.NoError(t, server.Shutdown(transport.Fin))

	style, ok := server.WaitShutdown(time.Second)
	require.True(t, ok)
	assert.Equal(t, transport.Reset, style)

	_, err = client.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}
