package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims the claims carried by a device session token.
type SessionClaims struct {
	DeviceID string `json:"device_id"`
	TenantID string `json:"tenant_id"`
	StoreID  string `json:"store_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	jwt.RegisteredClaims
}

// SessionManager issues and validates device session tokens for the hub
// handshake.
type SessionManager struct {
	secretKey []byte
	issuer    string
	expire    time.Duration
}

// NewSessionManager creates a session manager.
func NewSessionManager(secretKey, issuer string, expire time.Duration) *SessionManager {
	return &SessionManager{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		expire:    expire,
	}
}

// Issue generates a session token for a device.
func (m *SessionManager) Issue(deviceID, tenantID, storeID, userID, userName string) (string, error) {
	now := time.Now()
	claims := &SessionClaims{
		DeviceID: deviceID,
		TenantID: tenantID,
		StoreID:  storeID,
		UserID:   userID,
		UserName: userName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expire)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Validate validates a token and returns its claims.
func (m *SessionManager) Validate(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return m.secretKey, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*SessionClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}
