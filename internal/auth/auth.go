// Package auth issues and validates the two credential kinds the server
// accepts: JWT bearer tokens for console users and per-agent API keys for
// endpoint agents submitting events or pulling policy bundles.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrAgentNotFound      = errors.New("agent not found")
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleAnalyst Role = "analyst"
	RoleViewer  Role = "viewer"
)

type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	Password  string    `json:"-" db:"password_hash"`
	Role      Role      `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AgentCredential is the server-side record for one enrolled agent. The raw
// key is shown once at enrollment and only its bcrypt hash is stored.
type AgentCredential struct {
	AgentID   string    `json:"agent_id" db:"agent_id"`
	KeyHash   string    `json:"-" db:"key_hash"`
	Platform  string    `json:"platform" db:"platform"`
	Revoked   bool      `json:"revoked" db:"revoked"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	LastSeen  time.Time `json:"last_seen" db:"last_seen"`
}

type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
	jwt.RegisteredClaims
}

type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"`
}

type Config struct {
	JWTSecret          string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
}

type CredentialStore interface {
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, user *User) error
	StoreRefreshToken(ctx context.Context, userID, token string, expiresAt time.Time) error
	ValidateRefreshToken(ctx context.Context, userID, token string) (bool, error)
	RevokeRefreshToken(ctx context.Context, userID, token string) error
	GetAgentCredential(ctx context.Context, agentID string) (*AgentCredential, error)
	CreateAgentCredential(ctx context.Context, cred *AgentCredential) error
	RevokeAgentCredential(ctx context.Context, agentID string) error
	TouchAgent(ctx context.Context, agentID string, seen time.Time) error
}

type Service struct {
	config Config
	store  CredentialStore
}

func NewService(config Config, store CredentialStore) *Service {
	if config.AccessTokenExpiry == 0 {
		config.AccessTokenExpiry = 15 * time.Minute
	}
	if config.RefreshTokenExpiry == 0 {
		config.RefreshTokenExpiry = 7 * 24 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "dlp"
	}
	return &Service{config: config, store: store}
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (s *Service) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if !CheckPassword(password, user.Password) {
		return nil, ErrInvalidCredentials
	}
	return s.generateTokenPair(ctx, user)
}

func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.ValidateToken(refreshToken)
	if err != nil {
		return nil, err
	}
	valid, err := s.store.ValidateRefreshToken(ctx, claims.UserID, refreshToken)
	if err != nil || !valid {
		return nil, ErrInvalidToken
	}
	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	_ = s.store.RevokeRefreshToken(ctx, claims.UserID, refreshToken)
	return s.generateTokenPair(ctx, user)
}

func (s *Service) Logout(ctx context.Context, userID, refreshToken string) error {
	return s.store.RevokeRefreshToken(ctx, userID, refreshToken)
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) generateTokenPair(ctx context.Context, user *User) (*TokenPair, error) {
	now := time.Now()
	accessExpiry := now.Add(s.config.AccessTokenExpiry)
	refreshExpiry := now.Add(s.config.RefreshTokenExpiry)

	sign := func(expiry time.Time) (string, error) {
		claims := &Claims{
			UserID: user.ID,
			Email:  user.Email,
			Role:   user.Role,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(expiry),
				IssuedAt:  jwt.NewNumericDate(now),
				Issuer:    s.config.Issuer,
				Subject:   user.ID,
			},
		}
		return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.JWTSecret))
	}

	accessToken, err := sign(accessExpiry)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}
	refreshToken, err := sign(refreshExpiry)
	if err != nil {
		return nil, fmt.Errorf("signing refresh token: %w", err)
	}
	if err := s.store.StoreRefreshToken(ctx, user.ID, refreshToken, refreshExpiry); err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    accessExpiry,
		TokenType:    "Bearer",
	}, nil
}

// EnrollAgent registers an agent and returns the raw API key. The key cannot
// be recovered later; a lost key means re-enrollment.
func (s *Service) EnrollAgent(ctx context.Context, agentID, platform string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	key := "dlpk_" + base64.URLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing agent key: %w", err)
	}
	cred := &AgentCredential{
		AgentID:   agentID,
		KeyHash:   string(hash),
		Platform:  platform,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAgentCredential(ctx, cred); err != nil {
		return "", err
	}
	return key, nil
}

// VerifyAgentKey checks an agent's API key and records the contact time.
func (s *Service) VerifyAgentKey(ctx context.Context, agentID, key string) error {
	cred, err := s.store.GetAgentCredential(ctx, agentID)
	if err != nil {
		return ErrAgentNotFound
	}
	if cred.Revoked {
		return ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.KeyHash), []byte(key)) != nil {
		return ErrInvalidCredentials
	}
	_ = s.store.TouchAgent(ctx, agentID, time.Now().UTC())
	return nil
}

type contextKey string

const (
	UserContextKey  contextKey = "user"
	AgentContextKey contextKey = "agent"
)

func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*Claims)
	return claims, ok
}

func GetAgentFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(AgentContextKey).(string)
	return id, ok
}

// Middleware enforces a JWT bearer token on console routes.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
			return
		}
		claims, err := s.ValidateToken(parts[1])
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				http.Error(w, "token expired", http.StatusUnauthorized)
				return
			}
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), UserContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AgentMiddleware enforces the X-Agent-ID / X-Agent-Key header pair on
// agent routes such as event ingest and bundle fetch.
func (s *Service) AgentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentID := r.Header.Get("X-Agent-ID")
		key := r.Header.Get("X-Agent-Key")
		if agentID == "" || key == "" {
			http.Error(w, "missing agent credentials", http.StatusUnauthorized)
			return
		}
		if err := s.VerifyAgentKey(r.Context(), agentID, key); err != nil {
			http.Error(w, "invalid agent credentials", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), AgentContextKey, agentID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}
