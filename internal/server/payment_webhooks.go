package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/smallbiznis/collectr/internal/webhook/domain"
	"github.com/smallbiznis/collectr/pkg/log/ctxlogger"
	"go.uber.org/zap"
)

// maxWebhookBody bounds the provider payload read into memory.
const maxWebhookBody = 1 << 20

// HandlePaymentWebhook answers 200 for every authenticated, well-formed delivery whatever its
// business outcome. Only infrastructure failures return 5xx so the provider redelivers.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	outcome, err := s.webhooks.Process(c.Request.Context(), payload, c.Request.Header)
	if err != nil {
		if !errors.Is(err, webhookdomain.ErrInvalidSignature) && !errors.Is(err, webhookdomain.ErrInvalidPayload) {
			ctxlogger.WithContext(c.Request.Context(), s.log).Error("webhook processing failed, provider will redeliver", zap.Error(err))
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"action":     outcome.Action,
		"reason":     outcome.Reason,
		"from_cache": outcome.FromCache,
	})
}
