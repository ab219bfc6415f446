package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// Scopes доступа. ScopeAdmin открывает все остальные.
const (
	ScopeAdmin           = "admin"
	ScopeAuditsRead      = "audits.read"
	ScopeAuditsWrite     = "audits.write"
	ScopeTargetsManage   = "targets.manage"
	ScopeAlertsManage    = "alerts.manage"
	ScopeRecommendations = "recommendations.manage"
)

// Claims — полезная нагрузка RS256 токена. TenantID обязателен: все запросы тенантные.
type Claims struct {
	UserID   string          `json:"user_id"`
	TenantID string          `json:"tenant_id"`
	Scopes   map[string]bool `json:"scopes"` // "admin": true или "audits.write": true
	jwt.RegisteredClaims
}

// Principal — кто выполняет запрос.
type Principal struct {
	UserID   string
	TenantID string
	Scopes   map[string]bool
}

func (p Principal) HasScope(scope string) bool {
	return p.Scopes[ScopeAdmin] || p.Scopes[scope]
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}
