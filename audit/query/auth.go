package query

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agenttrace/agenttrace/types"
)

// Capability C6 能力
type Capability string

const (
	CapRead   Capability = "audit:read"
	CapExport Capability = "audit:export"
	CapAdmin  Capability = "audit:admin"
)

// Principal 已认证主体及其能力
type Principal struct {
	ID           string
	Capabilities map[Capability]bool
}

// Can 检查能力；audit:admin 蕴含其余能力。
func (p *Principal) Can(cap Capability) bool {
	if p == nil {
		return false
	}
	return p.Capabilities[cap] || p.Capabilities[CapAdmin]
}

// authClaims JWT 负载
type authClaims struct {
	Capabilities []string `json:"caps"`
	jwt.RegisteredClaims
}

// Authenticator 校验能力令牌（HS256 JWT）
type Authenticator struct {
	secret []byte
}

// NewAuthenticator 创建认证器
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate 解析 Bearer 令牌并返回主体
func (a *Authenticator) Authenticate(authorization string) (*Principal, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer"))
	if raw == "" {
		return nil, types.NewError(types.ErrUnauthorized, "missing bearer token").WithHTTPStatus(401)
	}

	var claims authClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, types.NewError(types.ErrUnauthorized, "unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, types.NewError(types.ErrUnauthorized, "invalid token").WithCause(err).WithHTTPStatus(401)
	}
	if claims.Subject == "" {
		return nil, types.NewError(types.ErrUnauthorized, "token missing subject").WithHTTPStatus(401)
	}

	principal := &Principal{
		ID:           claims.Subject,
		Capabilities: make(map[Capability]bool, len(claims.Capabilities)),
	}
	for _, c := range claims.Capabilities {
		principal.Capabilities[Capability(c)] = true
	}
	return principal, nil
}

// Require 校验主体持有能力
func Require(p *Principal, cap Capability) error {
	if p == nil {
		return types.NewError(types.ErrUnauthorized, "unauthenticated").WithHTTPStatus(401)
	}
	if !p.Can(cap) {
		return types.NewError(types.ErrForbidden, "missing capability "+string(cap)).WithHTTPStatus(403)
	}
	return nil
}

// MintToken 签发能力令牌（测试与 CLI 工具用）
func (a *Authenticator) MintToken(subject string, caps []Capability) (string, error) {
	capStrings := make([]string, len(caps))
	for i, c := range caps {
		capStrings[i] = string(c)
	}
	claims := authClaims{
		Capabilities: capStrings,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: subject,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
