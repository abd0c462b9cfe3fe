package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"call-dispatcher/internal/calls"
	"call-dispatcher/internal/reconcile"

	"github.com/gin-gonic/gin"
)

type fakeReconciler struct {
	got     []reconcile.StatusUpdate
	matched bool
	err     error
}

func (f *fakeReconciler) ApplyStatus(ctx context.Context, u reconcile.StatusUpdate) (bool, error) {
	f.got = append(f.got, u)
	return f.matched, f.err
}

func newRouter(h StatusWebhookHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/status", h.HandleJSONStatus)
	r.POST("/webhooks/twilio/status", h.HandleTwilioStatus)
	return r
}

func TestHandleJSONStatus(t *testing.T) {
	rec := &fakeReconciler{matched: true}
	r := newRouter(StatusWebhookHandler{Reconciler: rec})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/status", strings.NewReader(`{"external_call_id":"CA9","status":"completed"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(rec.got) != 1 || rec.got[0].ExternalCallID != "CA9" || rec.got[0].Status != calls.DispatchCompleted {
		t.Fatalf("unexpected updates: %+v", rec.got)
	}
}

func TestHandleJSONStatus_AlwaysAcknowledges(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		rec       *fakeReconciler
		wantBody  string
		reachRepo bool
	}{
		{"unknown id", `{"external_call_id":"CA9","status":"busy"}`, &fakeReconciler{}, `{"matched":false}`, true},
		{"bad status", `{"external_call_id":"CA9","status":"exploded"}`, &fakeReconciler{}, `"matched":false`, false},
		{"missing id", `{"status":"busy"}`, &fakeReconciler{}, `"matched":false`, false},
		{"store down", `{"external_call_id":"CA9","status":"busy"}`, &fakeReconciler{err: errors.New("db down")}, `{"error":"status update not applied","matched":false}`, true},
		{"no reconciler", `{"external_call_id":"CA9","status":"busy"}`, nil, `"matched":false`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := StatusWebhookHandler{}
			if tc.rec != nil {
				h.Reconciler = tc.rec
			}
			r := newRouter(h)
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/webhooks/status", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tc.wantBody) {
				t.Fatalf("expected body containing %s, got %s", tc.wantBody, w.Body.String())
			}
			if strings.Contains(w.Body.String(), "db down") {
				t.Fatalf("store error leaked to provider: %s", w.Body.String())
			}
			if tc.rec != nil && (len(tc.rec.got) == 1) != tc.reachRepo {
				t.Fatalf("reconciler calls: %d, expected reached=%v", len(tc.rec.got), tc.reachRepo)
			}
		})
	}
}

func TestHandleJSONStatus_UndecodableBody(t *testing.T) {
	rec := &fakeReconciler{}
	r := newRouter(StatusWebhookHandler{Reconciler: rec})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/status", strings.NewReader(`{`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest || len(rec.got) != 0 {
		t.Fatalf("expected 400 without reconciling, got %d", w.Code)
	}
}

func TestHandleTwilioStatus_StoreFailureAcknowledged(t *testing.T) {
	rec := &fakeReconciler{err: errors.New("db down")}
	r := newRouter(StatusWebhookHandler{Reconciler: rec})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", strings.NewReader("CallSid=CA5&CallStatus=completed"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"matched":false`) {
		t.Fatalf("expected acknowledged failure, got %d %s", w.Code, w.Body.String())
	}
	if len(rec.got) != 1 {
		t.Fatalf("expected one reconcile attempt, got %d", len(rec.got))
	}
}

func TestHandleTwilioStatus_Signature(t *testing.T) {
	const token = "tw-secret"
	const base = "https://dispatch.example.com"
	form := url.Values{"CallSid": {"CA77"}, "CallStatus": {"in-progress"}}

	post := func(sig string) (*httptest.ResponseRecorder, *fakeReconciler) {
		rec := &fakeReconciler{matched: true}
		r := newRouter(StatusWebhookHandler{Reconciler: rec, TwilioAuthToken: token, PublicBaseURL: base})
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set(TwilioSignatureHeader, sig)
		r.ServeHTTP(w, req)
		return w, rec
	}

	good := TwilioSignature(token, base+"/webhooks/twilio/status", form)
	w, rec := post(good)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(rec.got) != 1 || rec.got[0].Status != calls.DispatchInProgress {
		t.Fatalf("unexpected updates: %+v", rec.got)
	}

	w, rec = post("forged")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if len(rec.got) != 0 {
		t.Fatalf("forged callback reached reconciler")
	}
}

func TestHandleTwilioStatus_NoTokenSkipsSignature(t *testing.T) {
	rec := &fakeReconciler{matched: false}
	r := newRouter(StatusWebhookHandler{Reconciler: rec})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", strings.NewReader("CallSid=CA1&CallStatus=failed&ErrorCode=32009"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if rec.got[0].ErrorText != "twilio error 32009" {
		t.Fatalf("unexpected error text %q", rec.got[0].ErrorText)
	}
}
