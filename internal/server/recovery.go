package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/collectr/internal/audit/domain"
	"github.com/smallbiznis/collectr/internal/authorization"
	recoverydomain "github.com/smallbiznis/collectr/internal/recovery/domain"
)

type recoverRequest struct {
	SubscriptionID   string `json:"subscriptionId"`
	PaymentReference string `json:"paymentReference"`
}

type recoveryResponse struct {
	recoverydomain.Result
	Message string `json:"message"`
}

func newRecoveryResponse(res recoverydomain.Result) recoveryResponse {
	return recoveryResponse{Result: res, Message: recoverydomain.Message(res)}
}

func (s *Server) CheckSubscriptionStatus(c *gin.Context) {
	res, err := s.recoverySvc.CheckStatus(c.Request.Context(), userIDFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newRecoveryResponse(res))
}

func (s *Server) RecoverSubscription(c *gin.Context) {
	var req recoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	subID, err := parseSubscriptionID(req.SubscriptionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	res, err := s.recoverySvc.Recover(c.Request.Context(), recoverydomain.RecoverRequest{
		UserID:           userIDFrom(c),
		SubscriptionID:   subID,
		PaymentReference: strings.TrimSpace(req.PaymentReference),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newRecoveryResponse(res))
}

func (s *Server) AdminRecoverSubscription(c *gin.Context) {
	subID, err := parseSubscriptionID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// the body is optional for admins
	var req recoverRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}

	ref := strings.TrimSpace(req.PaymentReference)
	res, err := s.recoverySvc.Recover(c.Request.Context(), recoverydomain.RecoverRequest{
		SubscriptionID:   subID,
		PaymentReference: ref,
		Admin:            true,
	})
	s.auditRecovery(c, subID, ref, res, err)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newRecoveryResponse(res))
}

// auditRecovery records the operator's attempt whatever its outcome. Audit failures are logged
// by the audit service and never fail the request.
func (s *Server) auditRecovery(c *gin.Context, subID snowflake.ID, ref string, res recoverydomain.Result, err error) {
	meta := map[string]any{
		"operator_email":    userEmailFrom(c),
		"payment_reference": ref,
		"success":           res.Success,
		"method":            string(res.Method),
		"reason":            res.Reason,
	}
	if res.PaymentRef != "" {
		meta["applied_reference"] = res.PaymentRef
	}
	if err != nil {
		_, payload := mapError(err)
		meta["error"] = payload.Type
	}

	_ = s.audit.Record(c.Request.Context(), auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeOperator,
		ActorID:    userIDFrom(c),
		Action:     auditdomain.ActionSubscriptionRecover,
		TargetType: authorization.ObjectSubscription,
		TargetID:   subID.String(),
		Metadata:   meta,
	})
}

func parseSubscriptionID(raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, newValidationError("subscription_id", "required", "subscription_id is required")
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, newValidationError("subscription_id", "invalid", "subscription_id is invalid")
	}
	return id, nil
}
