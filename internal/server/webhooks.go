package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
)

const maxWebhookBody = 1 << 20

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	gateway := strings.TrimSpace(c.Param("gateway"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	// ClientIP honours forwarding headers only from trusted proxies.
	headers := c.Request.Header.Clone()
	headers.Set(paymentdomain.HeaderClientIP, c.ClientIP())

	if _, err := s.payments.HandleWebhook(c.Request.Context(), gateway, payload, headers); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
