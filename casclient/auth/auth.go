// Package auth supplies the gRPC per-RPC credentials cfs attaches to every
// CAS and ByteStream call.
package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/grpc/credentials"
)

// TokenFileName is the name of the bearer-token file under $HOME.
const TokenFileName = ".rbe-auth-token"

// LoadToken reads the bearer token from $HOME/.rbe-auth-token, trimming
// surrounding whitespace.
func LoadToken() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("auth: resolving home directory: %w", err)
	}
	path := filepath.Join(home, TokenFileName)
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("auth: reading token file %s: %w", path, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// bearerToken implements credentials.PerRPCCredentials, attaching a
// "Bearer <token>" authorization header to every outbound RPC.
type bearerToken string

// NewBearerToken returns per-RPC credentials carrying token as a bearer
// token in the "authorization" metadata header.
func NewBearerToken(token string) credentials.PerRPCCredentials {
	return bearerToken(token)
}

func (t bearerToken) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(t)}, nil
}

func (t bearerToken) RequireTransportSecurity() bool {
	return true
}
