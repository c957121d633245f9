package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidToken is returned for tokens that fail validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidApplication is returned when an application id is empty.
	ErrInvalidApplication = errors.New("invalid application id")
	// ErrDisabled is returned when no signing secret is configured.
	ErrDisabled = errors.New("token authentication disabled")
)

// Service issues and checks control-plane application tokens.
type Service struct {
	jwtConfig *JWTConfig
}

// NewService creates a new authentication service. A nil config or an empty
// secret disables authentication.
func NewService(jwtConfig *JWTConfig) *Service {
	return &Service{jwtConfig: jwtConfig}
}

// Enabled reports whether tokens are required.
func (s *Service) Enabled() bool {
	return s != nil && s.jwtConfig != nil && len(s.jwtConfig.Secret) > 0
}

// IssueToken mints a token for an application.
func (s *Service) IssueToken(applicationID string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return "", ErrInvalidApplication
	}
	token, err := GenerateToken(s.jwtConfig, applicationID)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}

// ValidateToken returns the claims of a valid token.
func (s *Service) ValidateToken(token string) (*Claims, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	claims, err := ValidateToken(s.jwtConfig, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
