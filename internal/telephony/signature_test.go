package telephony

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

// Example from Twilio's webhook security documentation.
func TestComputeSignatureKnownVector(t *testing.T) {
	params := url.Values{
		"CallSid": {"CA1234567890ABCDE"},
		"Caller":  {"+12349013030"},
		"Digits":  {"1234"},
		"From":    {"+12349013030"},
		"To":      {"+18005551212"},
	}
	got := ComputeSignature("12345", "https://mycompany.com/myapp.php?foo=1&bar=2", params)
	if got != "0/KCTR6DLpKmkAf8muzZqo1nDgQ=" {
		t.Fatalf("unexpected signature %q", got)
	}
}

func TestRequireSignature(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.POST("/webhooks/twilio/sms", RequireSignature("tok", "https://hooks.example.com"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	form := url.Values{"MessageSid": {"SM1"}, "Body": {"hello"}}
	send := func(sig string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/sms", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if sig != "" {
			req.Header.Set(signatureHeader, sig)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	good := ComputeSignature("tok", "https://hooks.example.com/webhooks/twilio/sms", form)
	if code := send(good); code != http.StatusOK {
		t.Fatalf("expected 200 with valid signature, got %d", code)
	}
	if code := send(""); code != http.StatusForbidden {
		t.Fatalf("expected 403 without signature, got %d", code)
	}
	if code := send("bm9wZQ=="); code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong signature, got %d", code)
	}
}
