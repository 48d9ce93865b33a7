package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

// Pairing tokens bind a device identity to the relay. A device presents its
// token on every call in the "authorization" metadata entry.

const authorizationKey = "authorization"

// DefaultTokenTTL is how long an issued pairing token stays valid.
const DefaultTokenTTL = 30 * 24 * time.Hour

// PairingClaims represents the JWT claims of a pairing token
type PairingClaims struct {
	DeviceID  string `json:"device_id"`
	Name      string `json:"name,omitempty"`
	Model     string `json:"model,omitempty"`
	OSVersion string `json:"os_version,omitempty"`
	jwt.RegisteredClaims
}

// Peer returns the device identity carried by the claims.
func (c *PairingClaims) Peer() wear.PeerInfo {
	return wear.PeerInfo{ID: c.DeviceID, Name: c.Name, Model: c.Model, OSVersion: c.OSVersion}
}

// PairingAuth issues and validates pairing tokens
type PairingAuth struct {
	secretKey []byte
	ttl       time.Duration
}

// NewPairingAuth creates a pairing authority. A ttl of zero uses DefaultTokenTTL.
func NewPairingAuth(secretKey string, ttl time.Duration) *PairingAuth {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &PairingAuth{secretKey: []byte(secretKey), ttl: ttl}
}

// IssueToken creates a pairing token for device
func (a *PairingAuth) IssueToken(device wear.PeerInfo) (string, time.Time, error) {
	if device.ID == "" {
		return "", time.Time{}, errors.New("device ID cannot be empty")
	}

	now := time.Now()
	expiresAt := now.Add(a.ttl)

	claims := PairingClaims{
		DeviceID:  device.ID,
		Name:      device.Name,
		Model:     device.Model,
		OSVersion: device.OSVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   device.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(a.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token: %w", err)
	}
	return tokenString, expiresAt, nil
}

// ValidateToken validates a pairing token and returns its claims
func (a *PairingAuth) ValidateToken(tokenString string) (*PairingClaims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return nil, errors.New("token cannot be empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &PairingClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*PairingClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token is not valid")
	}
	if claims.DeviceID == "" {
		return nil, errors.New("token has no device ID")
	}
	return claims, nil
}

// authenticate reads the pairing token from incoming metadata.
func (a *PairingAuth) authenticate(ctx context.Context) (*PairingClaims, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get(authorizationKey)
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing pairing token")
	}
	claims, err := a.ValidateToken(values[0])
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	return claims, nil
}

// withToken attaches token to an outgoing call.
func withToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, authorizationKey, "Bearer "+token)
}
