package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shelfgate/internal/dto/req"
	"shelfgate/internal/dto/resp"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	RedisSessionPrefix = "shelfgate:auth:session:"
	Issuer             = "shelfgate-auth-service"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrSessionExpired     = errors.New("session expired")
)

type AuthService struct {
	redis           *redis.Client
	signingKey      []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
}

type UserClaims struct {
	UserID   string `json:"uid"`
	Username string `json:"sub"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func NewAuthService(rdb *redis.Client, signingKey string, accessTokenTTL, refreshTokenTTL time.Duration) *AuthService {
	return &AuthService{
		redis:           rdb,
		signingKey:      []byte(signingKey),
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
	}
}

// Login authenticates a dashboard operator and returns a token pair.
func (s *AuthService) Login(ctx context.Context, req req.LoginReq) (*resp.TokenResp, error) {
	// Mock credential check, real deployments wire an operator directory
	if req.Username != "admin" || req.Password != "admin123" {
		return nil, ErrInvalidCredentials
	}

	userID := "1001"
	role := "admin"

	tokens, err := s.generateTokens(ctx, userID, req.Username, role)
	if err != nil {
		return nil, err
	}
	tokens.User = resp.UserInfo{
		ID:       userID,
		Username: req.Username,
		Role:     role,
	}
	return tokens, nil
}

// Refresh rotates the token pair. The refresh token must match the session
// stored in redis; anything else is treated as invalid.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*resp.TokenResp, error) {
	token, err := jwt.ParseWithClaims(refreshToken, &UserClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	})
	if err != nil {
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	key := fmt.Sprintf("%s%s", RedisSessionPrefix, claims.UserID)
	storedToken, err := s.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}

	if storedToken != refreshToken {
		return nil, ErrTokenInvalid
	}

	return s.generateTokens(ctx, claims.UserID, claims.Username, claims.Role)
}

func (s *AuthService) Logout(ctx context.Context, userID string) error {
	key := fmt.Sprintf("%s%s", RedisSessionPrefix, userID)
	return s.redis.Del(ctx, key).Err()
}

// ParseAccess validates an access token and returns its claims. The HTTP
// middleware calls this on every admin request.
func (s *AuthService) ParseAccess(tokenString string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenInvalid
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, ErrTokenInvalid
	}
	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (s *AuthService) generateTokens(ctx context.Context, userID, username, role string) (*resp.TokenResp, error) {
	now := time.Now()
	atClaims := UserClaims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, atClaims).SignedString(s.signingKey)
	if err != nil {
		return nil, err
	}

	// Refresh token is also a JWT so it carries the user id on its own. The
	// JTI makes every rotation produce a distinct token.
	rtClaims := UserClaims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
			ID:        uuid.New().String(),
		},
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, rtClaims).SignedString(s.signingKey)
	if err != nil {
		return nil, err
	}

	// Allow-list: only the latest refresh token per user stays valid
	key := fmt.Sprintf("%s%s", RedisSessionPrefix, userID)
	if err := s.redis.Set(ctx, key, refreshToken, s.refreshTokenTTL).Err(); err != nil {
		return nil, err
	}

	return &resp.TokenResp{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.accessTokenTTL.Seconds()),
	}, nil
}
