package auth

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrAuthDisabled = errors.New("token auth is disabled")
)

// Claims JWT 클레임. sub = userId
type Claims struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// anonAudience 익명 토큰 전용 audience. 액세스 토큰과 섞이지 않게 구분
const anonAudience = "anonymous"

// AnonTokenTTL 익명 토큰 유효 기간
const AnonTokenTTL = 7 * 24 * time.Hour

// JWTManager JWT 토큰 관리자
type JWTManager struct {
	secretKey []byte
	anonKey   []byte
	issuer    string
	expiry    time.Duration
}

// NewJWTManager JWTManager 생성. secretKey가 비어 있으면 토큰을 검증하지 않음.
// 익명 토큰은 항상 서명함. 비밀키가 없으면 프로세스마다 임의 키를 쓰므로
// 다른 인스턴스로 재연결하면 새 익명 ID를 받음
func NewJWTManager(secretKey, issuer string, expiry time.Duration) *JWTManager {
	anonKey := []byte(secretKey)
	if len(anonKey) == 0 {
		anonKey = make([]byte, 32)
		if _, err := rand.Read(anonKey); err != nil {
			panic("auth: no randomness for anonymous token key: " + err.Error())
		}
	}
	return &JWTManager{
		secretKey: []byte(secretKey),
		anonKey:   anonKey,
		issuer:    issuer,
		expiry:    expiry,
	}
}

// Enabled 토큰 검증 가능 여부
func (m *JWTManager) Enabled() bool {
	return m != nil && len(m.secretKey) > 0
}

// GenerateAccessToken 액세스 토큰 생성
func (m *JWTManager) GenerateAccessToken(userID, name, avatar string) (string, error) {
	if !m.Enabled() {
		return "", ErrAuthDisabled
	}
	now := time.Now()
	claims := &Claims{
		Name:   name,
		Avatar: avatar,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// ValidateAccessToken 액세스 토큰 검증
func (m *JWTManager) ValidateAccessToken(tokenString string) (*Claims, error) {
	if !m.Enabled() {
		return nil, ErrAuthDisabled
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secretKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	for _, aud := range claims.Audience {
		if aud == anonAudience {
			return nil, ErrInvalidToken
		}
	}

	return claims, nil
}

// GenerateAnonymousToken 익명 ID를 서명한 토큰 생성. 재연결 시 같은 ID를 되찾는 유일한 수단
func (m *JWTManager) GenerateAnonymousToken(anonID string) (string, error) {
	now := time.Now()
	claims := &jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(AnonTokenTTL)),
		IssuedAt:  jwt.NewNumericDate(now),
		Issuer:    m.issuer,
		Subject:   anonID,
		Audience:  jwt.ClaimStrings{anonAudience},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.anonKey)
}

// ValidateAnonymousToken 익명 토큰 검증 후 익명 ID 반환
func (m *JWTManager) ValidateAnonymousToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return m.anonKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(anonAudience),
		jwt.WithIssuer(m.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
