package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/models"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/store"
)

// New accounts start with demo funds so they can trade right away.
var (
	initialBalance = decimal.NewFromInt(10000)
	initialHolding = decimal.NewFromInt(10)
)

// AuthService handles account registration and authentication.
type AuthService struct {
	store  store.Store
	secret []byte
}

// NewAuthService creates a new auth service signing tokens with secret.
func NewAuthService(st store.Store, secret string) *AuthService {
	return &AuthService{store: st, secret: []byte(secret)}
}

// Register creates a new account with a hashed password, seeded with
// the demo USD balance and one holding per supported asset.
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.Account, error) {
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("username too long (max 50 characters)")
	}
	if len(password) > 100 {
		return nil, fmt.Errorf("password too long (max 100 characters)")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	holdings := make(map[string]decimal.Decimal, len(models.SupportedSymbols))
	for _, symbol := range models.SupportedSymbols {
		holdings[symbol] = initialHolding
	}

	acct, err := s.store.CreateAccount(ctx, username, string(hashedPassword), initialBalance, holdings)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return acct, nil
}

// Login verifies credentials and returns a signed JWT.
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	acct, err := s.store.GetAccountByUsername(ctx, username)
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"account_id": acct.ID,
		"username":   acct.Username,
		"exp":        time.Now().Add(24 * time.Hour).Unix(),
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// AccountFromToken extracts the account id from a JWT.
func (s *AuthService) AccountFromToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return 0, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, fmt.Errorf("invalid token")
	}
	accountID, ok := claims["account_id"].(float64)
	if !ok {
		return 0, fmt.Errorf("invalid token claims")
	}
	return int64(accountID), nil
}
