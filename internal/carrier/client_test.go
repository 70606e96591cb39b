package carrier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCarrier(url string) *Client {
	return New(Config{
		AccountSID:     "AC123",
		AuthToken:      "token456",
		BreakerTrips:   5,
		BreakerReset:   time.Minute,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		BaseURL:        url,
	})
}

func TestCreateCallSendsFormWithBasicAuth(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC123/Calls.json" {
			t.Errorf("path = %q", r.URL.Path)
		}
		wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("AC123:token456"))
		if got := r.Header.Get("Authorization"); got != wantAuth {
			t.Errorf("Authorization = %q", got)
		}
		if ct := r.Header.Get("Content-Type"); !strings.Contains(ct, "application/x-www-form-urlencoded") {
			t.Errorf("Content-Type = %q", ct)
		}
		_ = r.ParseForm()
		if r.PostForm.Get("To") != "+15550002222" || r.PostForm.Get("From") != "+15550001111" {
			t.Errorf("form numbers = %v", r.PostForm)
		}
		if r.PostForm.Get("StatusCallbackMethod") != "POST" {
			t.Errorf("StatusCallbackMethod = %q", r.PostForm.Get("StatusCallbackMethod"))
		}
		_ = json.NewEncoder(w).Encode(Call{SID: "CA777", Status: "queued"})
	}))
	defer ts.Close()

	c := newTestCarrier(ts.URL)
	call, err := c.CreateCall(context.Background(), "+15550002222", "+15550001111", "<Response/>", "https://x/status")
	if err != nil {
		t.Fatalf("CreateCall() error = %v", err)
	}
	if call.SID != "CA777" {
		t.Fatalf("sid = %q, want CA777", call.SID)
	}
}

func TestUpdateCallWithRetryRecovers(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(Call{SID: "CA777", Status: "in-progress"})
	}))
	defer ts.Close()

	c := newTestCarrier(ts.URL)
	if err := c.UpdateCallWithRetry(context.Background(), "CA777", "<Response/>"); err != nil {
		t.Fatalf("UpdateCallWithRetry() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestListPhoneNumbers(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("PhoneNumber"); got != "+15550001111" {
			t.Errorf("PhoneNumber = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"incoming_phone_numbers": []map[string]any{{"sid": "PN1"}},
		})
	}))
	defer ts.Close()

	c := newTestCarrier(ts.URL)
	nums, err := c.ListPhoneNumbers(context.Background(), "+15550001111")
	if err != nil {
		t.Fatalf("ListPhoneNumbers() error = %v", err)
	}
	if len(nums) != 1 || nums[0]["sid"] != "PN1" {
		t.Fatalf("numbers = %v", nums)
	}
}
