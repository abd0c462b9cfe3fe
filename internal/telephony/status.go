package telephony

import (
	"errors"
	"fmt"
	"strings"

	"call-dispatcher/internal/calls"
	"call-dispatcher/internal/reconcile"
)

var ErrInvalidCallback = errors.New("telephony: invalid status callback")

// StatusCallback is the provider-neutral JSON callback body.
type StatusCallback struct {
	ExternalCallID string `json:"external_call_id"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

func (c StatusCallback) ToStatusUpdate() (reconcile.StatusUpdate, error) {
	id := strings.TrimSpace(c.ExternalCallID)
	if id == "" {
		return reconcile.StatusUpdate{}, fmt.Errorf("%w: external_call_id missing", ErrInvalidCallback)
	}
	st, err := calls.ParseDispatchStatus(c.Status)
	if err != nil {
		return reconcile.StatusUpdate{}, fmt.Errorf("%w: %w", ErrInvalidCallback, err)
	}
	return reconcile.StatusUpdate{ExternalCallID: id, Status: st, ErrorText: strings.TrimSpace(c.Error)}, nil
}
