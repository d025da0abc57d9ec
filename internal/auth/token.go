package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpiredToken     = errors.New("expired token")
)

// ParticipantClaims is the verified payload of a participant session token.
type ParticipantClaims struct {
	Sub        string
	AccessCode string
	Exp        time.Time
}

// ResearcherClaims is the verified payload of a management console token.
type ResearcherClaims struct {
	Sub   string
	Email string
	Role  string
	Exp   time.Time
}

type participantJWT struct {
	AccessCode string `json:"accessCode"`
	jwt.RegisteredClaims
}

type researcherJWT struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

const (
	participantAudience = "study-participant"
	researcherAudience  = "study-console"
)

func IssueParticipantToken(secret []byte, participantID, accessCode string, expiresAt time.Time) (string, error) {
	claims := participantJWT{
		AccessCode: accessCode,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participantID,
			Audience:  jwt.ClaimStrings{participantAudience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign participant token: %w", err)
	}
	return signed, nil
}

// ParseParticipantToken verifies signature and expiry. It performs no I/O.
func ParseParticipantToken(secret []byte, token string) (ParticipantClaims, error) {
	return parseParticipantToken(secret, token, time.Now)
}

func parseParticipantToken(secret []byte, token string, now func() time.Time) (ParticipantClaims, error) {
	var claims participantJWT
	if err := parse(secret, token, participantAudience, &claims, now); err != nil {
		return ParticipantClaims{}, err
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.AccessCode) == "" || claims.ExpiresAt == nil {
		return ParticipantClaims{}, ErrMalformedToken
	}
	return ParticipantClaims{
		Sub:        claims.Subject,
		AccessCode: claims.AccessCode,
		Exp:        claims.ExpiresAt.Time,
	}, nil
}

func IssueResearcherToken(secret []byte, researcherID, email, role string, expiresAt time.Time) (string, error) {
	claims := researcherJWT{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   researcherID,
			Audience:  jwt.ClaimStrings{researcherAudience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign researcher token: %w", err)
	}
	return signed, nil
}

func ParseResearcherToken(secret []byte, token string) (ResearcherClaims, error) {
	var claims researcherJWT
	if err := parse(secret, token, researcherAudience, &claims, time.Now); err != nil {
		return ResearcherClaims{}, err
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ExpiresAt == nil {
		return ResearcherClaims{}, ErrMalformedToken
	}
	return ResearcherClaims{
		Sub:   claims.Subject,
		Email: claims.Email,
		Role:  claims.Role,
		Exp:   claims.ExpiresAt.Time,
	}, nil
}

func parse(secret []byte, token, audience string, claims jwt.Claims, now func() time.Time) error {
	if strings.TrimSpace(token) == "" {
		return ErrMalformedToken
	}
	_, err := jwt.ParseWithClaims(token, claims, func(parsed *jwt.Token) (interface{}, error) {
		if _, ok := parsed.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", parsed.Header["alg"])
		}
		return secret, nil
	},
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing), errors.Is(err, jwt.ErrTokenInvalidClaims):
		return ErrMalformedToken
	default:
		return ErrInvalidSignature
	}
}

// IsAuthError reports whether err came from token verification.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMalformedToken) || errors.Is(err, ErrInvalidSignature) || errors.Is(err, ErrExpiredToken)
}
