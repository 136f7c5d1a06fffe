package grpcapi

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"aiminigames/sessionsync/internal/auth"
)

// TokenVerifier validates participant tokens.
type TokenVerifier interface {
	Verify(token string) (*auth.TokenClaims, error)
}

// NewSharedSecretStreamInterceptor rejects streams that do not present secret.
func NewSharedSecretStreamInterceptor(secret string) grpc.StreamServerInterceptor {
	normalized := strings.TrimSpace(secret)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if normalized == "" {
			return status.Error(codes.Unauthenticated, "shared secret not configured")
		}
		md, ok := metadata.FromIncomingContext(ss.Context())
		if !ok {
			return status.Error(codes.Unauthenticated, "missing metadata")
		}
		candidate := firstValue(md, SharedSecretKey)
		if candidate == "" {
			return status.Error(codes.Unauthenticated, "missing shared secret")
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(normalized)) != 1 {
			return status.Error(codes.Unauthenticated, "invalid shared secret")
		}
		return handler(srv, ss)
	}
}

// participantFromContext resolves the caller identity. With a verifier the bearer
// token subject wins, otherwise the declared participant id is trusted.
func participantFromContext(ctx context.Context, verifier TokenVerifier) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if verifier != nil {
		var token string
		for _, value := range md.Get("authorization") {
			if token = auth.BearerToken(value); token != "" {
				break
			}
		}
		claims, err := verifier.Verify(token)
		if err != nil {
			return "", status.Error(codes.Unauthenticated, err.Error())
		}
		return claims.Subject, nil
	}
	participantID := firstValue(md, ParticipantIDKey)
	if participantID == "" {
		return "", status.Error(codes.Unauthenticated, "participant identity is required")
	}
	return participantID, nil
}

func firstValue(md metadata.MD, key string) string {
	for _, value := range md.Get(key) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// LoadServerTLS builds server credentials. A non-empty caPath requires client certificates.
func LoadServerTLS(certPath, keyPath, caPath string) (credentials.TransportCredentials, error) {
	if certPath == "" || keyPath == "" {
		return nil, errors.New("certificate and key paths are required")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if caPath != "" {
		caBytes, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("failed to parse client ca bundle")
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = pool
	}
	return credentials.NewTLS(tlsConfig), nil
}
