package telephony

import (
	"fmt"
	"net/http"
	"strings"

	"call-dispatcher/internal/calls"
	"call-dispatcher/internal/reconcile"
)

// TwilioStatusForm captures the subset of Twilio's voice status callback we
// reconcile on. Twilio posts application/x-www-form-urlencoded.
type TwilioStatusForm struct {
	CallSid         string
	AccountSid      string
	CallStatus      string
	ErrorCode       string
	ErrorMessage    string
	SipResponseCode string
	CallDuration    string
}

func ParseTwilioStatusCallback(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	return TwilioStatusForm{
		CallSid:         strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid:      strings.TrimSpace(r.PostFormValue("AccountSid")),
		CallStatus:      strings.TrimSpace(r.PostFormValue("CallStatus")),
		ErrorCode:       strings.TrimSpace(r.PostFormValue("ErrorCode")),
		ErrorMessage:    strings.TrimSpace(r.PostFormValue("ErrorMessage")),
		SipResponseCode: strings.TrimSpace(r.PostFormValue("SipResponseCode")),
		CallDuration:    strings.TrimSpace(r.PostFormValue("CallDuration")),
	}, nil
}

// ToStatusUpdate maps Twilio's CallStatus spelling ("in-progress",
// "no-answer") onto the dispatch status set.
func (f TwilioStatusForm) ToStatusUpdate() (reconcile.StatusUpdate, error) {
	if f.CallSid == "" {
		return reconcile.StatusUpdate{}, fmt.Errorf("%w: CallSid missing", ErrInvalidCallback)
	}
	st, err := calls.ParseDispatchStatus(f.CallStatus)
	if err != nil {
		return reconcile.StatusUpdate{}, fmt.Errorf("%w: %w", ErrInvalidCallback, err)
	}
	return reconcile.StatusUpdate{
		ExternalCallID: f.CallSid,
		Status:         st,
		ErrorText:      f.errorText(),
	}, nil
}

func (f TwilioStatusForm) errorText() string {
	switch {
	case f.ErrorMessage != "" && f.ErrorCode != "":
		return f.ErrorCode + ": " + f.ErrorMessage
	case f.ErrorMessage != "":
		return f.ErrorMessage
	case f.ErrorCode != "":
		return "twilio error " + f.ErrorCode
	default:
		return ""
	}
}
