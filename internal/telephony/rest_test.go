package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateUserDefinedMessage(t *testing.T) {
	var gotPath, gotContent, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		_ = r.ParseForm()
		gotContent = r.PostFormValue("Content")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewRestClient("AC123", "secret").WithBaseURL(srv.URL)
	if err := c.CreateUserDefinedMessage(context.Background(), "CA9", `{"callStep":"hold"}`); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if want := "/Accounts/AC123/Calls/CA9/UserDefinedMessages.json"; gotPath != want {
		t.Fatalf("path mismatch: got %s want %s", gotPath, want)
	}
	if gotContent != `{"callStep":"hold"}` {
		t.Fatalf("content mismatch: %s", gotContent)
	}
	if gotUser != "AC123" {
		t.Fatalf("basic auth user mismatch: %s", gotUser)
	}
}

func TestRestClientSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewRestClient("AC123", "secret").WithBaseURL(srv.URL)
	if err := c.EndCall(context.Background(), "CA404"); err == nil {
		t.Fatalf("expected error")
	}
}
