package telephony

import (
	"context"
	"errors"
	"net/http"

	"call-dispatcher/internal/reconcile"
	"call-dispatcher/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Reconciler applies a parsed status update.
type Reconciler interface {
	ApplyStatus(ctx context.Context, u reconcile.StatusUpdate) (bool, error)
}

// StatusWebhookHandler converts provider callbacks into status updates.
//
// Every callback that reaches the reconciler is acknowledged with 200, whether
// it matched, named an unknown call, carried a status we cannot map or hit a
// store failure. Failures are logged and reported in the body, never as a
// retryable status. Only a body that cannot be decoded at all gets 400, and a
// forged Twilio signature gets 403.
type StatusWebhookHandler struct {
	Reconciler Reconciler

	// TwilioAuthToken enables signature validation when set.
	TwilioAuthToken string
	// PublicBaseURL replaces scheme and host when rebuilding the signed URL.
	PublicBaseURL string
}

func (h StatusWebhookHandler) HandleJSONStatus(c *gin.Context) {
	var body StatusCallback
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	u, err := body.ToStatusUpdate()
	if err != nil {
		h.ack(c, body.ExternalCallID, false, err)
		return
	}
	h.apply(c, u)
}

func (h StatusWebhookHandler) HandleTwilioStatus(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioStatusCallback(c.Request)
	if err != nil {
		log.Warn("twilio status callback parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	if h.TwilioAuthToken != "" {
		sig := c.GetHeader(TwilioSignatureHeader)
		if !ValidTwilioSignature(h.TwilioAuthToken, h.signedURL(c.Request), c.Request.PostForm, sig) {
			log.Warn("twilio signature rejected", "call_sid", form.CallSid)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
	}

	u, err := form.ToStatusUpdate()
	if err != nil {
		h.ack(c, form.CallSid, false, err)
		return
	}
	h.apply(c, u)
}

func (h StatusWebhookHandler) apply(c *gin.Context, u reconcile.StatusUpdate) {
	if h.Reconciler == nil {
		h.ack(c, u.ExternalCallID, false, errors.New("reconciler not configured"))
		return
	}
	matched, err := h.Reconciler.ApplyStatus(c.Request.Context(), u)
	h.ack(c, u.ExternalCallID, matched, err)
}

// ack always answers 200 so the provider does not retry.
func (h StatusWebhookHandler) ack(c *gin.Context, externalCallID string, matched bool, err error) {
	if err != nil {
		logger.FromGin(c).Error("status callback not applied", "external_call_id", externalCallID, "err", err)
		msg := "status update not applied"
		if errors.Is(err, ErrInvalidCallback) || errors.Is(err, reconcile.ErrInvalidUpdate) {
			msg = err.Error()
		}
		c.JSON(http.StatusOK, gin.H{"matched": false, "error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"matched": matched})
}

// signedURL rebuilds the URL Twilio signed. Behind a proxy the request's own
// scheme and host differ from what Twilio saw.
func (h StatusWebhookHandler) signedURL(r *http.Request) string {
	if h.PublicBaseURL != "" {
		return h.PublicBaseURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
