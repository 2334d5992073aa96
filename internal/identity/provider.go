package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gov-dx-sandbox/case-engine/internal/config"
	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"gorm.io/gorm"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownUser  = errors.New("token subject is not a known user")
	ErrInactiveUser = errors.New("user account is deactivated")
)

// Provider turns a verified bearer token into an Identity. The admin and demo
// flags always come from the users table, never from token claims.
type Provider struct {
	db       *gorm.DB
	secret   []byte
	issuer   string
	audience string
	parser   *jwt.Parser
}

// NewProvider creates a provider for HS256 tokens
func NewProvider(db *gorm.DB, cfg config.IdentityConfig) (*Provider, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("identity secret is required")
	}
	return &Provider{
		db:       db,
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify checks the token and loads the user named by its subject
func (p *Provider) Verify(ctx context.Context, tokenString string) (models.Identity, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := p.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return p.secret, nil
	})
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return models.Identity{}, ErrInvalidToken
	}

	var user models.User
	if err := p.db.WithContext(ctx).Where("username = ?", claims.Subject).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Identity{}, ErrUnknownUser
		}
		return models.Identity{}, fmt.Errorf("failed to load user %q: %w", claims.Subject, err)
	}
	if !user.IsActive {
		return models.Identity{}, ErrInactiveUser
	}

	return models.Identity{
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		IsAdmin:     user.IsAdmin,
		IsDemo:      user.IsDemo,
	}, nil
}

// Issue signs a token for the user, valid for ttl
func (p *Provider) Issue(username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		Issuer:    p.issuer,
		Audience:  jwt.ClaimStrings{p.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
