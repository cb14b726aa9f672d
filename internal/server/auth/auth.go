package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrMalformedToken is returned for tokens not of the form "<client id>.<secret>".
var ErrMalformedToken = errors.New("malformed token")

type Service struct {
	cost int
}

func NewService() *Service {
	return &Service{cost: bcrypt.DefaultCost}
}

// NewServiceWithCost is NewService with a custom bcrypt cost, for tests.
func NewServiceWithCost(cost int) *Service {
	return &Service{cost: cost}
}

// GenerateToken generates a client token and the hash to store for it.
//
// Tokens have the form "<clientID>.<secret>" where secret is 32 random bytes,
// hex encoded. Only the bcrypt hash of the secret is ever persisted.
//
// Parameters:
//   - clientID: The identifier of the client the token belongs to
//
// Returns:
//   - string: The token to hand to the client
//   - string: bcrypt hash of the secret part
//   - error: Error if random bytes cannot be generated or hashing fails
func (s *Service) GenerateToken(clientID string) (string, string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	secret := hex.EncodeToString(bytes)

	hash, err := s.HashToken(secret)
	if err != nil {
		return "", "", err
	}
	return clientID + "." + secret, hash, nil
}

// SplitToken separates a token into its client id and secret.
func SplitToken(token string) (string, string, error) {
	clientID, secret, ok := strings.Cut(token, ".")
	if !ok || clientID == "" || secret == "" {
		return "", "", ErrMalformedToken
	}
	return clientID, secret, nil
}

// HashToken securely hashes a token secret using bcrypt.
func (s *Service) HashToken(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

// VerifyToken verifies a token secret against its bcrypt hash.
func (s *Service) VerifyToken(secret, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	return err == nil
}
