package peerlink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// JWT authentication of peer streams with a shared cluster secret

const tokenLifetime = time.Minute

// NodeClaims represents the JWT token claims of a peer node
type NodeClaims struct {
	NodeID string `json:"node_id"`
	jwt.RegisteredClaims
}

// NodeAuth handles node token creation and validation
type NodeAuth struct {
	secretKey []byte
}

// NewNodeAuth creates a new node authentication handler
func NewNodeAuth(secretKey string) *NodeAuth {
	return &NodeAuth{
		secretKey: []byte(secretKey),
	}
}

// GenerateToken creates a short-lived token for a node
func (a *NodeAuth) GenerateToken(nodeID string) (string, error) {
	if nodeID == "" {
		return "", errors.New("nodeID cannot be empty")
	}

	now := time.Now()
	claims := NodeClaims{
		NodeID: nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   nodeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(a.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to create token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken validates a node token and returns the claims
func (a *NodeAuth) ValidateToken(tokenString string) (*NodeClaims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return nil, errors.New("token cannot be empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &NodeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secretKey, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*NodeClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token is not valid")
	}
	return claims, nil
}

// PerRPCCredentials returns credentials attaching a fresh token to every stream.
func (a *NodeAuth) PerRPCCredentials(nodeID string) credentials.PerRPCCredentials {
	return &tokenCredentials{auth: a, nodeID: nodeID}
}

type tokenCredentials struct {
	auth   *NodeAuth
	nodeID string
}

func (c *tokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	token, err := c.auth.GenerateToken(c.nodeID)
	if err != nil {
		return nil, err
	}
	return map[string]string{"authorization": "Bearer " + token}, nil
}

// RequireTransportSecurity is false: peers commonly talk over a private network.
func (c *tokenCredentials) RequireTransportSecurity() bool { return false }

type peerKey struct{}

// peerFromContext returns the authenticated node of a stream, if any.
func peerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(peerKey{}).(string)
	return id
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context { return s.ctx }

// StreamInterceptor rejects dispatch streams without a valid token. Health
// checks are left open.
func (a *NodeAuth) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if info.FullMethod != dispatchMethod {
			return handler(srv, ss)
		}
		md, _ := metadata.FromIncomingContext(ss.Context())
		values := md.Get("authorization")
		if len(values) == 0 {
			return status.Error(codes.Unauthenticated, "missing node token")
		}
		claims, err := a.ValidateToken(values[0])
		if err != nil {
			return status.Error(codes.Unauthenticated, err.Error())
		}
		ctx := context.WithValue(ss.Context(), peerKey{}, claims.NodeID)
		return handler(srv, &authenticatedStream{ServerStream: ss, ctx: ctx})
	}
}
