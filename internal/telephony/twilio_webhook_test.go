package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"call-dispatcher/internal/calls"
)

func TestParseTwilioStatusCallback(t *testing.T) {
	body := strings.NewReader("CallSid=CA123&CallStatus=no-answer&ErrorCode=31005&ErrorMessage=Connection+error")
	r := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", body)
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	form, err := ParseTwilioStatusCallback(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	u, err := form.ToStatusUpdate()
	if err != nil {
		t.Fatalf("to update: %v", err)
	}
	if u.ExternalCallID != "CA123" || u.Status != calls.DispatchNoAnswer {
		t.Fatalf("unexpected update: %+v", u)
	}
	if u.ErrorText != "31005: Connection error" {
		t.Fatalf("unexpected error text: %q", u.ErrorText)
	}
}

func TestTwilioStatusForm_Rejects(t *testing.T) {
	if _, err := (TwilioStatusForm{CallStatus: "completed"}).ToStatusUpdate(); !errors.Is(err, ErrInvalidCallback) {
		t.Fatalf("expected ErrInvalidCallback for missing sid, got %v", err)
	}
	if _, err := (TwilioStatusForm{CallSid: "CA1", CallStatus: "vanished"}).ToStatusUpdate(); !errors.Is(err, ErrInvalidCallback) {
		t.Fatalf("expected ErrInvalidCallback for unknown status, got %v", err)
	}
}

func TestTwilioSignature_SortsParams(t *testing.T) {
	params := url.Values{
		"To":         {"+18005551212"},
		"CallStatus": {"completed"},
		"CallSid":    {"CA1234567890ABCDE"},
	}
	const u = "https://mycompany.com/status?foo=1&bar=2"

	mac := hmac.New(sha1.New, []byte("12345"))
	mac.Write([]byte(u + "CallSidCA1234567890ABCDE" + "CallStatuscompleted" + "To+18005551212"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	got := TwilioSignature("12345", u, params)
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if !ValidTwilioSignature("12345", u, params, got) {
		t.Fatalf("expected signature to validate")
	}
	if ValidTwilioSignature("other", u, params, got) {
		t.Fatalf("expected wrong token to fail")
	}
	if ValidTwilioSignature("", u, params, got) {
		t.Fatalf("expected empty token to fail")
	}
}
