package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
)

// Listen creates a listener for network ("tcp", "tcp4", "tcp6" or "unix") on
// address. When tlsConfig is non-nil the accepted connections are TLS
// connections whose handshake is completed later by Handshake.
//
// A stale unix socket file left behind by a previous process is removed
// before binding. Any other existing file at that path is an error.
func Listen(network, address string, tlsConfig *tls.Config) (net.Listener, error) {
	var (
		ln  net.Listener
		err error
	)
	switch network {
	case "tcp", "tcp4", "tcp6":
		ln, err = net.Listen(network, address)
	case "unix":
		if err := removeStaleSocket(address); err != nil {
			return nil, err
		}
		ln, err = net.Listen(network, address)
	default:
		return nil, fmt.Errorf("unsupported network type: %s, only 'tcp', 'tcp4', 'tcp6' or 'unix' are supported", network)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	return ln, nil
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat unix socket path %s: %w", path, err)
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("unix socket path %s exists and is not a socket", path)
	}
	// Probe it: a live server still answers.
	if c, err := net.Dial("unix", path); err == nil {
		c.Close()
		return fmt.Errorf("unix socket %s is in use by another process", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove stale unix socket %s: %w", path, err)
	}
	return nil
}

// LoadTLSConfig builds a server tls.Config from PEM files. alpn lists the
// protocols offered during negotiation; "http/1.1" is used when empty.
func LoadTLSConfig(certFile, keyFile string, alpn []string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair (%s, %s): %w", certFile, keyFile, err)
	}
	if len(alpn) == 0 {
		alpn = []string{"http/1.1"}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   alpn,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
