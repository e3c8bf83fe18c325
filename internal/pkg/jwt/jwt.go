package jwt

import (
	"errors"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var (
	ErrMissingAccountID = errors.New("token has no account_id claim")
	ErrWrongTokenType   = errors.New("token is not an access token")
)

// Identity is the caller extracted from a verified access token
type Identity struct {
	AccountID string
	Email     string
	IsAdmin   bool
}

type Service interface {
	GenerateAccessToken(accountID string, email string, isAdmin bool) (token string, expiresAt int64, err error)
	JWTAuth() *jwtauth.JWTAuth
}

type JWTService struct {
	secretKey                 string
	accessTokenExpirationTime string
	tokenAuth                 *jwtauth.JWTAuth
}

func (j *JWTService) JWTAuth() *jwtauth.JWTAuth {
	return j.tokenAuth
}

func NewJWTService(secretKey string, accessTokenExpirationTime string) Service {
	return &JWTService{
		secretKey:                 secretKey,
		accessTokenExpirationTime: accessTokenExpirationTime,
		tokenAuth:                 jwtauth.New("HS256", []byte(secretKey), nil, jwt.WithAcceptableSkew(30*time.Second)),
	}
}

func (j *JWTService) GenerateAccessToken(accountID string, email string, isAdmin bool) (token string, expiresAt int64, err error) {
	expDuration, err := time.ParseDuration(j.accessTokenExpirationTime)
	if err != nil {
		return "", 0, err
	}
	expiresAt = time.Now().Add(expDuration).Unix()

	claims := map[string]interface{}{
		"account_id": accountID,
		"email":      email,
		"is_admin":   isAdmin,
		"type":       "access",
		"exp":        expiresAt,
	}

	_, tokenString, err := j.tokenAuth.Encode(claims)
	return tokenString, expiresAt, err
}

// IdentityFromClaims reads the caller from jwtauth claims
func IdentityFromClaims(claims map[string]interface{}) (Identity, error) {
	if t, ok := claims["type"].(string); ok && t != "access" {
		return Identity{}, ErrWrongTokenType
	}
	accountID, _ := claims["account_id"].(string)
	if accountID == "" {
		return Identity{}, ErrMissingAccountID
	}
	email, _ := claims["email"].(string)
	isAdmin, _ := claims["is_admin"].(bool)
	return Identity{AccountID: accountID, Email: email, IsAdmin: isAdmin}, nil
}
