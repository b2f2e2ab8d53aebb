package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AvaProtocol/ap-relay/model"
)

// BearerToken extracts the token from an "Authorization: Bearer <token>" header value
func BearerToken(authHeader string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(authHeader), " ", 2)
	if len(parts) < 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrorMalformedAuthHeader
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrorMalformedAuthHeader
	}
	return token, nil
}

// VerifyJwt checks an HS256 token signed with secret and returns the caller it was issued
// to. The subject is required; it partitions nonces and scopes submission records.
func VerifyJwt(secret []byte, key string) (*model.User, error) {
	token, err := jwt.Parse(key, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("Unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{JwtAlg}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrorInvalidToken, err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return nil, ErrorMissingSubject
	}

	return model.NewUser(subject), nil
}

// IssueJwt signs a token for subject valid for ttl. Used by operators to mint API keys.
func IssueJwt(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
