package streaming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pingsantohq/vpnprobe/pkg/types"
)

func TestCheckClassifiesResponses(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("expected a browser user agent")
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/forbidden", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/geo", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/iplayer/unavailable", http.StatusFound)
	})
	mux.HandleFunc("/regional", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://www.netflix.com/jp/browse", http.StatusFound)
	})
	mux.HandleFunc("/signin", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	checker := NewHTTPChecker(
		WithHTTPClient(srv.Client()),
		WithEndpoints(map[string]string{
			Netflix:     srv.URL + "/ok",
			DisneyPlus:  srv.URL + "/forbidden",
			BBCIPlayer:  srv.URL + "/geo",
			HBOMax:      srv.URL + "/regional",
			Hulu:        srv.URL + "/signin",
			AmazonPrime: srv.URL + "/broken",
		}),
	)

	results := checker.Check(context.Background(), []string{Netflix, DisneyPlus, BBCIPlayer, HBOMax, Hulu, AmazonPrime, "crunchyroll"})
	want := []struct {
		status     types.Status
		accessible bool
		region     string
	}{
		{types.StatusSuccess, true, ""},
		{types.StatusBlocked, false, ""},
		{types.StatusBlocked, false, ""},
		{types.StatusFailure, false, "JP"},
		{types.StatusFailure, false, ""},
		{types.StatusFailure, false, ""},
		{types.StatusSkipped, false, ""},
	}
	if len(results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(results))
	}
	for i, w := range want {
		r := results[i]
		if r.Status != w.status || r.Accessible != w.accessible || r.DetectedRegion != w.region {
			t.Fatalf("result %d (%s): %+v", i, r.Service, r)
		}
	}
	if results[0].ResponseTimeMs == nil {
		t.Fatalf("expected response time on a completed request")
	}
	if results[4].Error != "redirected to /login" {
		t.Fatalf("unexpected redirect error %q", results[4].Error)
	}
	if results[6].ResponseTimeMs != nil {
		t.Fatalf("skipped service should not report a response time")
	}
}

func TestCheckTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	checker := NewHTTPChecker(
		WithHTTPClient(srv.Client()),
		WithEndpoints(map[string]string{Netflix: srv.URL}),
		WithTimeout(30*time.Millisecond),
	)
	results := checker.Check(context.Background(), []string{Netflix})
	if results[0].Status != types.StatusTimeout || results[0].Accessible {
		t.Fatalf("expected timeout, got %+v", results[0])
	}
}

func TestCheckUsesDefaultServices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	endpoints := map[string]string{}
	for _, svc := range DefaultServices {
		endpoints[svc] = srv.URL
	}
	results := NewHTTPChecker(WithHTTPClient(srv.Client()), WithEndpoints(endpoints)).Check(context.Background(), nil)
	if len(results) != len(DefaultServices) {
		t.Fatalf("expected %d default services, got %d", len(DefaultServices), len(results))
	}
}

func TestDetectRegion(t *testing.T) {
	for in, want := range map[string]string{
		"":                                   "",
		"/gb-en/title/80018499":              "GB",
		"https://www.netflix.com/jp/":        "JP",
		"https://www.netflix.com":            "",
		"https://www.disneyplus.com/welcome": "",
	} {
		if got := detectRegion(in); got != want {
			t.Fatalf("detectRegion(%q) = %q, want %q", in, got, want)
		}
	}
}
