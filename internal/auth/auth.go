package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-exec/internal/config"
	"github.com/ksred/klear-exec/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// Permissions carried in issued tokens. Signal clients may only submit
// trade signals and read state; operators may also halt and resume trading,
// resolve violations and change strategy status.
const (
	PermissionSignal   = "signal"
	PermissionOperator = "operator"
)

const defaultTokenTTL = 24 * time.Hour

// Credentials identify a strategy runner or operator console.
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse is returned by the token endpoint.
type TokenResponse struct {
	Token       string    `json:"jwt_token"`
	Expiration  time.Time `json:"expiration"`
	Permissions []string  `json:"permissions"`
}

// Claims are the signed contents of an issued token.
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions"`
}

func (c Claims) Has(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

type client struct {
	secret      string
	permissions []string
}

// Service issues and validates tokens for strategy runners and operators
type Service struct {
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	clients map[string]client
}

// NewService creates the auth service. The configured API key is registered
// as an operator client.
func NewService(cfg config.AuthConfig) *Service {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	s := &Service{
		jwtSecret: []byte(cfg.JWTSecret),
		ttl:       ttl,
		now:       time.Now,
		clients:   make(map[string]client),
	}
	if cfg.APIKey != "" {
		s.RegisterClient(cfg.APIKey, cfg.APISecret, PermissionSignal, PermissionOperator)
	}
	return s
}

// RegisterClient adds or replaces API credentials with the given permissions
func (s *Service) RegisterClient(apiKey, apiSecret string, permissions ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[apiKey] = client{secret: apiSecret, permissions: permissions}
}

// GenerateToken issues a signed token for valid credentials
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	s.mu.RLock()
	c, ok := s.clients[creds.APIKey]
	s.mu.RUnlock()
	if !ok || c.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	expiration := now.Add(s.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClientID:    creds.APIKey,
		Permissions: c.permissions,
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		log.Error().Err(err).Str("client_id", creds.APIKey).Msg("failed to sign token")
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:       tokenString,
		Expiration:  expiration,
		Permissions: c.permissions,
	}, nil
}

// ValidateToken verifies signature and expiry and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ClientID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler exchanges API credentials for a bearer token.
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// ClaimsFrom returns the claims stored by the auth middleware, if any
func ClaimsFrom(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get("claims")
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}
