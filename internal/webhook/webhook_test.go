package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNotifyResult_SendsWaitingForInputContract(t *testing.T) {
	received := make(chan resultPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p resultPayload
		json.NewDecoder(r.Body).Decode(&p)
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	c.NotifyResult("sess-1", "My Session", nil)

	select {
	case p := <-received:
		if p.Event != "waiting_for_input" {
			t.Errorf("Event = %q, want waiting_for_input", p.Event)
		}
		if p.SessionID != "sess-1" {
			t.Errorf("SessionID = %q, want sess-1", p.SessionID)
		}
		if p.SessionName != "My Session" {
			t.Errorf("SessionName = %q, want My Session", p.SessionName)
		}
		if p.Text == "" || p.Content == "" {
			t.Error("expected non-empty text/content")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook POST")
	}
}

func TestNotifyResult_NoopWhenURLEmpty(t *testing.T) {
	c := New("", "", time.Second)
	// Must not panic or block even with no server listening.
	c.NotifyResult("sess-1", "name", nil)
}

func TestNotifyResult_IncludesSessionURLWhenBaseSet(t *testing.T) {
	received := make(chan resultPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p resultPayload
		json.NewDecoder(r.Body).Decode(&p)
		received <- p
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	c.SessionURLBase = "https://app.example.com/sessions/"
	c.NotifyResult("sess-1", "", nil)

	p := <-received
	if p.SessionURL != "https://app.example.com/sessions/sess-1" {
		t.Errorf("SessionURL = %q, want the composed URL", p.SessionURL)
	}
}

func TestNotifyResult_NeverRetriesOnFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	c.NotifyResult("sess-1", "", nil)

	time.Sleep(50 * time.Millisecond)
	if calls != 1 {
		t.Errorf("expected exactly one request, got %d", calls)
	}
}

func TestSuggest_UsesHookNameWhenSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(NamingSuggestion{Name: "Hooked Name"})
	}))
	defer srv.Close()

	c := New("", srv.URL, time.Second)
	named := make(chan string, 1)
	c.OnNamed = func(sessionID, name string) { named <- name }

	c.Suggest("sess-1", "hello there")

	select {
	case name := <-named:
		if name != "Hooked Name" {
			t.Errorf("name = %q, want Hooked Name", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnNamed")
	}
}

func TestSuggest_FallsBackWhenNoHookConfigured(t *testing.T) {
	c := New("", "", time.Second)
	named := make(chan string, 1)
	c.OnNamed = func(sessionID, name string) { named <- name }

	c.Suggest("sess-1", "short message")

	name := <-named
	if name != "short message" {
		t.Errorf("name = %q, want the raw first message as fallback", name)
	}
}

func TestFallbackName_TruncatesAndHandlesEmpty(t *testing.T) {
	long := ""
	for i := 0; i < 60; i++ {
		long += "x"
	}
	if got := fallbackName(long); len(got) != 48 {
		t.Errorf("fallbackName truncated length = %d, want 48", len(got))
	}
	if got := fallbackName(""); got != "Untitled session" {
		t.Errorf("fallbackName(\"\") = %q, want Untitled session", got)
	}
}
