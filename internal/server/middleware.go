package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/collectr/internal/audit/domain"
	"github.com/smallbiznis/collectr/internal/authorization"
	obscontext "github.com/smallbiznis/collectr/internal/observability/context"
	"github.com/smallbiznis/collectr/pkg/log/ctxlogger"
	"go.uber.org/zap"
)

// Identity is asserted by the upstream auth gateway; these headers are never set by end users.
const (
	HeaderUserID       = "X-User-ID"
	HeaderUserEmail    = "X-User-Email"
	HeaderOperatorRole = "X-Operator-Role"

	contextUserIDKey    = "user_id"
	contextUserEmailKey = "user_email"
)

func (s *Server) UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextUserIDKey, userID)
		c.Set(contextUserEmailKey, strings.TrimSpace(c.GetHeader(HeaderUserEmail)))
		c.Next()
	}
}

// OperatorRequired lets the request through when the operator's role grants action on object.
func (s *Server) OperatorRequired(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		operator := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if operator == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := auditdomain.WithRequestInfo(c.Request.Context(), auditdomain.RequestInfo{
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			RequestID: obscontext.RequestIDFromContext(c.Request.Context()),
		})
		c.Request = c.Request.WithContext(ctx)

		role := strings.TrimSpace(c.GetHeader(HeaderOperatorRole))
		if err := s.authz.Authorize(ctx, authorization.Actor{ID: operator, Role: role}, object, action); err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextUserIDKey, operator)
		c.Set(contextUserEmailKey, strings.TrimSpace(c.GetHeader(HeaderUserEmail)))
		ctxlogger.WithContext(ctx, s.log).Info("operator request",
			zap.String("operator", operator),
			zap.String("role", role),
			zap.String("route", c.FullPath()),
		)
		c.Next()
	}
}

func userIDFrom(c *gin.Context) string {
	return c.GetString(contextUserIDKey)
}

func userEmailFrom(c *gin.Context) string {
	return c.GetString(contextUserEmailKey)
}
