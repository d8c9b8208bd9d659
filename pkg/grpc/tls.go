package grpc

import (
	"crypto/tls"
	"fmt"

	"google.golang.org/grpc/credentials"
)

// loadTLSCredentials loads the server certificate and key. Clients are not
// asked for certificates.
func loadTLSCredentials(certFile, keyFile string) (credentials.TransportCredentials, error) {
	serverCert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate and key: %w", err)
	}

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
	}), nil
}
