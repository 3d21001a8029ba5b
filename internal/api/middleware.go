package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hounfour/gateway/internal/gwerr"
	"github.com/hounfour/gateway/internal/pool"
	"github.com/hounfour/gateway/internal/tenant"
)

// tenantMiddleware authenticates the request and installs the immutable
// tenant context. Accepted, in order: a gw_ API key, a signed JWT, and (in
// development only) the bare X-Tenant-ID header.
func (s *Server) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}

		tc, err := tenant.NewContext(s.opts.Registry, claims, tenant.EnforceConfig{})
		if err != nil {
			writeError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(tenant.WithContext(r.Context(), tc)))
	})
}

func (s *Server) authenticate(r *http.Request) (tenant.Claims, error) {
	auth := r.Header.Get("Authorization")

	switch {
	case strings.HasPrefix(auth, "Bearer gw_"):
		key, err := s.opts.Keys.ValidateKey(r.Context(), strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			return tenant.Claims{}, gwerr.Wrap(gwerr.KindInput, gwerr.CodeUnauthenticated, "invalid api key", err)
		}
		return tenant.Claims{TenantID: key.TenantID, Tier: key.Tier}, nil

	case strings.HasPrefix(auth, "Bearer "):
		return s.parseJWT(strings.TrimPrefix(auth, "Bearer "))

	case s.opts.DevTenantHeader && r.Header.Get("X-Tenant-ID") != "":
		return tenant.Claims{
			TenantID: r.Header.Get("X-Tenant-ID"),
			Tier:     pool.TierFree,
		}, nil
	}

	return tenant.Claims{}, gwerr.New(gwerr.KindInput, gwerr.CodeUnauthenticated,
		"missing credentials: Bearer token or gw_ api key required")
}

func (s *Server) parseJWT(raw string) (tenant.Claims, error) {
	if len(s.opts.JWTSecret) == 0 {
		return tenant.Claims{}, gwerr.New(gwerr.KindInput, gwerr.CodeUnauthenticated, "jwt auth not configured")
	}

	var claims tenant.Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, gwerr.New(gwerr.KindInput, gwerr.CodeUnauthenticated, "unexpected signing method")
		}
		return s.opts.JWTSecret, nil
	})
	if err != nil || !tok.Valid {
		return tenant.Claims{}, gwerr.Wrap(gwerr.KindInput, gwerr.CodeUnauthenticated, "invalid token", err)
	}
	if err := claims.Validate(time.Now()); err != nil {
		return tenant.Claims{}, gwerr.Wrap(gwerr.KindInput, gwerr.CodeUnauthenticated, "invalid claims", err)
	}
	return claims, nil
}
