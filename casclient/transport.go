package casclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/leakingtapan/cfs/casclient/auth"
)

// Config holds the connection parameters read by the cfs CLIs from their
// environment (CAS_ENDPOINT, CA_CERT_PATH, INSTANCE_NAME).
type Config struct {
	// CASEndpoint is the host:port of the RE v2 CAS/ByteStream service.
	CASEndpoint string
	// CACertPath points at a single PEM file used as the client's trust
	// store for the CAS endpoint's TLS certificate.
	CACertPath string
	// InstanceName is sent as the instance_name field on every RPC.
	InstanceName string
}

// ConfigFromEnv populates a Config from CAS_ENDPOINT, CA_CERT_PATH and
// INSTANCE_NAME. INSTANCE_NAME may be unset, in which case it defaults to
// the empty string.
func ConfigFromEnv() (Config, error) {
	endpoint := os.Getenv("CAS_ENDPOINT")
	if endpoint == "" {
		return Config{}, fmt.Errorf("casclient: CAS_ENDPOINT is not set")
	}
	caCertPath := os.Getenv("CA_CERT_PATH")
	if caCertPath == "" {
		return Config{}, fmt.Errorf("casclient: CA_CERT_PATH is not set")
	}
	return Config{
		CASEndpoint:  endpoint,
		CACertPath:   caCertPath,
		InstanceName: os.Getenv("INSTANCE_NAME"),
	}, nil
}

// dialOptions builds the TLS transport credentials and the bearer-token
// per-RPC credentials used to dial the CAS endpoint.
func dialOptions(cfg Config) ([]grpc.DialOption, error) {
	pem, err := os.ReadFile(cfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("casclient: reading CA cert %s: %w", cfg.CACertPath, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("casclient: failed to parse any PEM certificates from %s", cfg.CACertPath)
	}
	tlsCreds := credentials.NewTLS(&tls.Config{RootCAs: pool})

	token, err := auth.LoadToken()
	if err != nil {
		return nil, err
	}

	return []grpc.DialOption{
		grpc.WithTransportCredentials(tlsCreds),
		grpc.WithPerRPCCredentials(auth.NewBearerToken(token)),
	}, nil
}

// dial opens a gRPC connection to cfg.CASEndpoint with TLS and bearer-token
// auth configured.
func dial(cfg Config) (*grpc.ClientConn, error) {
	opts, err := dialOptions(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.Dial(cfg.CASEndpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("casclient: dialing %s: %w", cfg.CASEndpoint, err)
	}
	return conn, nil
}
