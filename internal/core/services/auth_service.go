package services

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"xipher/internal/core/domain"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

const tokenAccess = "access"

type userContextKey struct{}

// AuthService issues and checks the bearer tokens used by the control API
// and by signaling connections.
type AuthService interface {
	GenerateToken(userID domain.UserID) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

type Claims struct {
	UserID    domain.UserID `json:"user_id"`
	TokenType string        `json:"token_type"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
	now            func() time.Time
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
		now:            time.Now,
	}
}

func (s *authService) GenerateToken(userID domain.UserID) (string, error) {
	return s.sign(userID, tokenAccess, s.accessTokenTTL)
}

func (s *authService) sign(userID domain.UserID, tokenType string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID:    userID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	return s.validate(tokenString, tokenAccess)
}

func (s *authService) validate(tokenString, tokenType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" || claims.TokenType != tokenType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// WithUser stores the authenticated user in ctx.
func WithUser(ctx context.Context, userID domain.UserID) context.Context {
	return context.WithValue(ctx, userContextKey{}, userID)
}

func UserFromContext(ctx context.Context) (domain.UserID, error) {
	userID, ok := ctx.Value(userContextKey{}).(domain.UserID)
	if !ok || userID == "" {
		return "", ErrUnauthorized
	}
	return userID, nil
}
