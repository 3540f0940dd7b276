package auth

import (
	"crypto/subtle"
	"errors"

	"camfleet/config"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

type Role string

const (
	RoleWorker   Role = "worker"
	RoleOperator Role = "operator"

	roleKey   = "role"
	tenantKey = "tenant"
)

var ErrBadKey = errors.New("invalid api key")

// Principal is whoever the session belongs to. TenantID 0 on an operator means all tenants.
type Principal struct {
	Role     Role
	TenantID uint64
}

// CanAccess reports whether the principal may act on tenant's resources
func (p *Principal) CanAccess(tenantID uint64) bool {
	if p.Role == RoleOperator && p.TenantID == 0 {
		return true
	}
	return p.TenantID == tenantID
}

// Authenticate resolves an API key to a principal. Empty configured keys disable that role.
func Authenticate(tenantID uint64, apiKey string) (Principal, error) {
	if keyMatches(config.OPERATOR_API_KEY, apiKey) {
		return Principal{Role: RoleOperator, TenantID: tenantID}, nil
	}
	if keyMatches(config.WORKER_API_KEY, apiKey) && tenantID != 0 {
		return Principal{Role: RoleWorker, TenantID: tenantID}, nil
	}
	return Principal{}, ErrBadKey
}

func keyMatches(configured, given string) bool {
	return configured != "" && subtle.ConstantTimeCompare([]byte(configured), []byte(given)) == 1
}

type Session struct {
	sessions.Session
}

func LoadSession(c *gin.Context) *Session {
	return &Session{
		Session: sessions.Default(c),
	}
}

func (s *Session) Login(p Principal) error {
	s.Set(roleKey, string(p.Role))
	s.Set(tenantKey, p.TenantID)
	return s.Save()
}

func (s *Session) Logout() {
	s.Delete(roleKey)
	s.Delete(tenantKey)
	s.Clear()
	s.Options(sessions.Options{Path: "/", MaxAge: -1})
	s.Save()
}

func (s *Session) Principal() (p Principal) {
	role, ok := s.Get(roleKey).(string)
	if !ok {
		return
	}
	tenant, _ := s.Get(tenantKey).(uint64)
	return Principal{Role: Role(role), TenantID: tenant}
}
