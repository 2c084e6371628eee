package cookie

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgehop/proxy/internal/edgeecrypto"
)

func testStore(t *testing.T, now time.Time) *Store {
	t.Helper()
	c, err := edgeecrypto.New([]byte(edgeecrypto.DefaultKey), []byte(edgeecrypto.DefaultIV))
	if err != nil {
		t.Fatalf("edgeecrypto.New: %v", err)
	}
	return NewStore(c, "edgee", "", false, func() time.Time { return now })
}

func TestGetOrSetIssuesFreshCookie(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := testStore(t, now)

	r := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	w := httptest.NewRecorder()

	id := s.GetOrSet(r, w, ClientHints{})
	if id.ID == "" {
		t.Fatal("expected a generated id")
	}
	if id.SC != 1 {
		t.Errorf("SC = %d, want 1", id.SC)
	}
	if !id.SessionStart() {
		t.Error("fresh identity should be session_start")
	}

	resp := w.Result()
	cookies := resp.Cookies()
	if len(cookies) != 1 || cookies[0].Name != "edgee" {
		t.Fatalf("expected one edgee cookie, got %+v", cookies)
	}
}

func TestGetOrSetRollsSessionAfterIdle(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := testStore(t, t0)

	r1 := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	w1 := httptest.NewRecorder()
	first := s.GetOrSet(r1, w1, ClientHints{})

	setCookie := w1.Result().Cookies()[0]

	t1 := t0.Add(31 * time.Minute)
	s.now = func() time.Time { return t1 }

	r2 := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	r2.AddCookie(setCookie)
	w2 := httptest.NewRecorder()
	second := s.GetOrSet(r2, w2, ClientHints{})

	if second.ID != first.ID {
		t.Error("rolled session should keep the same user id")
	}
	if second.SC != 2 {
		t.Errorf("SC = %d, want 2", second.SC)
	}
	if second.SessionStart() == false {
		t.Error("just-rolled session should report session_start true (ss==ls)")
	}
	if !second.PS.Equal(first.SS) {
		t.Errorf("PS = %v, want %v", second.PS, first.SS)
	}
}

func TestGetOrSetNoRollWithinWindow(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := testStore(t, t0)

	r1 := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	w1 := httptest.NewRecorder()
	first := s.GetOrSet(r1, w1, ClientHints{})
	setCookie := w1.Result().Cookies()[0]

	t1 := t0.Add(5 * time.Minute)
	s.now = func() time.Time { return t1 }

	r2 := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	r2.AddCookie(setCookie)
	w2 := httptest.NewRecorder()
	second := s.GetOrSet(r2, w2, ClientHints{})

	if second.SC != first.SC {
		t.Errorf("SC changed within window: %d -> %d", first.SC, second.SC)
	}
	if second.SessionStart() {
		t.Error("session_start should be false once ls has advanced past ss within the window")
	}
}

func TestGetOrSetUndecryptableTreatedAsAbsent(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := testStore(t, now)

	r := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	r.AddCookie(&http.Cookie{Name: "edgee", Value: "not-valid-hex"})
	w := httptest.NewRecorder()

	id := s.GetOrSet(r, w, ClientHints{})
	if id.SC != 1 {
		t.Errorf("corrupt cookie should be replaced with SC=1, got %d", id.SC)
	}
}

func TestHasCookieQueryParamFallback(t *testing.T) {
	s := testStore(t, time.Now())
	r := httptest.NewRequest(http.MethodPost, "/_edgee/csevent?e=abc", nil)
	if !s.HasCookie(r) {
		t.Error("expected HasCookie to honor the e query param")
	}
}

func TestHasCookieUQueryParamFallback(t *testing.T) {
	s := testStore(t, time.Now())
	r := httptest.NewRequest(http.MethodPost, "/_edgee/csevent?u=abc", nil)
	if !s.HasCookie(r) {
		t.Error("expected HasCookie to honor the u query param")
	}
}

func TestSetAndGetUserCookie(t *testing.T) {
	s := testStore(t, time.Now())
	r := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	w := httptest.NewRecorder()

	want := User{UserID: "u-1", AnonymousID: "anon-1"}
	if err := s.SetUserCookie(r, w, want); err != nil {
		t.Fatalf("SetUserCookie: %v", err)
	}

	r2 := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	r2.AddCookie(w.Result().Cookies()[0])

	got, err := s.GetUserCookie(r2)
	if err != nil {
		t.Fatalf("GetUserCookie: %v", err)
	}
	if got.UserID != want.UserID || got.AnonymousID != want.AnonymousID {
		t.Errorf("GetUserCookie = %+v, want %+v", got, want)
	}
}

func TestGetUserCookieAbsent(t *testing.T) {
	s := testStore(t, time.Now())
	r := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	if _, err := s.GetUserCookie(r); err != ErrAbsent {
		t.Errorf("err = %v, want ErrAbsent", err)
	}
}

func TestRegistrableDomain(t *testing.T) {
	cases := map[string]string{
		"www.example.com": "example.com",
		"example.com":     "example.com",
		"sub.a.b.co.uk":   "b.co.uk",
		"localhost":       "localhost",
	}
	for host, want := range cases {
		if got := RegistrableDomain(host); got != want {
			t.Errorf("RegistrableDomain(%q) = %q, want %q", host, got, want)
		}
	}
}
