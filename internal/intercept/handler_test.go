package intercept

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"netfence/internal/schedule"
	"netfence/internal/store"
)

type fakeDecisions struct{ d schedule.Decision }

func (f *fakeDecisions) Last() schedule.Decision { return f.d }

func allowedDecisions() *fakeDecisions {
	return &fakeDecisions{d: schedule.Decision{Allowed: true, Reason: schedule.ReasonAllowed}}
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	blocklist := `[
		{"domain": "blocked.com", "reason": "manual"},
		{"domain": "games.net", "reason": "category", "category": "gaming"},
		{"domain": "adult.example", "reason": "age_restricted"}
	]`
	if err := os.WriteFile(filepath.Join(dir, store.BlocklistFile), []byte(blocklist), 0644); err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func newTestServer(t *testing.T, decisions DecisionSource) *Server {
	t.Helper()
	return &Server{store: testStore(t), decisions: decisions}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, allowedDecisions())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); body != "ok" {
		t.Errorf("healthz body = %q, want ok", body)
	}
}

func TestBlockPageResponse(t *testing.T) {
	s := newTestServer(t, allowedDecisions())
	req := httptest.NewRequest(http.MethodGet, "/some/page", nil)
	req.Host = "blocked.com"
	rec := httptest.NewRecorder()

	s.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "blocked.com") {
		t.Error("block page missing the requested host")
	}
	if !strings.Contains(body, "Access Blocked") {
		t.Error("block page missing heading")
	}
}

func TestClassifyDomainReasons(t *testing.T) {
	s := newTestServer(t, allowedDecisions())

	tests := []struct {
		host     string
		class    string
		category string
	}{
		{"blocked.com", store.ReasonManual, ""},
		{"www.blocked.com", store.ReasonManual, ""},
		{"blocked.com:443", store.ReasonManual, ""},
		{"games.net", store.ReasonCategory, "gaming"},
		{"adult.example", store.ReasonAgeRestricted, ""},
		{"unlisted.com", ClassAllowed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			rc := s.classify(tt.host)
			if rc.Class != tt.class {
				t.Errorf("class = %q, want %q", rc.Class, tt.class)
			}
			if rc.Category != tt.category {
				t.Errorf("category = %q, want %q", rc.Category, tt.category)
			}
		})
	}
}

func TestClassifyTimeRestrictionWins(t *testing.T) {
	next := time.Date(2026, 3, 12, 8, 0, 0, 0, time.Local)
	denied := &fakeDecisions{d: schedule.Decision{
		Allowed:   false,
		Reason:    schedule.ReasonOutside,
		NextStart: next,
	}}
	s := newTestServer(t, denied)

	rc := s.classify("blocked.com")
	if rc.Class != ClassTime {
		t.Errorf("class = %q, want %q (time restriction overrides domain block)", rc.Class, ClassTime)
	}
	if rc.Reason != schedule.ReasonOutside {
		t.Errorf("reason = %q, want %q", rc.Reason, schedule.ReasonOutside)
	}
	if rc.NextStart == "" {
		t.Error("NextStart not rendered for schedule denial")
	}
}

func TestClassifyNilDecisionSource(t *testing.T) {
	s := &Server{store: testStore(t)}
	rc := s.classify("blocked.com")
	if rc.Class != store.ReasonManual {
		t.Errorf("class = %q, want %q", rc.Class, store.ReasonManual)
	}
}

func TestBlockPageShowsNextWindow(t *testing.T) {
	denied := &fakeDecisions{d: schedule.Decision{
		Allowed:   false,
		Reason:    schedule.ReasonOutside,
		NextStart: time.Date(2026, 3, 12, 8, 0, 0, 0, time.Local),
	}}
	s := newTestServer(t, denied)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "anything.com"
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "Access resumes") {
		t.Error("block page missing the next-window hint for a schedule denial")
	}
}
