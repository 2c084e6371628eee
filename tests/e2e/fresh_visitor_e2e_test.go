package e2e

import (
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/edgehop/proxy/internal/cookie"
)

var _ = Describe("Fresh visitor HTML page", func() {
	var h *harness

	origin := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(htmlPage()))
	}

	BeforeEach(func() {
		h = newHarness(origin, defaultConfig())
	})
	AfterEach(func() { h.Close() })

	It("issues an identity cookie but skips event derivation on the very first, cookie-less hit", func() {
		resp := h.do(h.newRequest(http.MethodGet, "/", nil))
		defer resp.Body.Close()

		Expect(resp.Header.Get("x-edgee")).To(Equal("compute-aborted(no-cookie)"))
		_, ok := setCookieValue(resp, "edgee")
		Expect(ok).To(BeTrue(), "expected an identity cookie to be issued even on abort")
	})

	It("derives page events (SDK variant marked side=e) once the identity cookie is attached", func() {
		first := h.do(h.newRequest(http.MethodGet, "/", nil))
		cookieVal, ok := setCookieValue(first, "edgee")
		first.Body.Close()
		Expect(ok).To(BeTrue())

		req := h.newRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: "edgee", Value: cookieVal})
		second := h.do(req)
		defer second.Body.Close()

		Expect(second.Header.Get("x-edgee")).To(Equal("compute"))
		body := readBody(second)
		Expect(body).To(ContainSubstring(`side="e"`), "events were generated, so the SDK variant must be marked side=e")
	})

	It("produces a session_count=1, session_start=true event through the JSON ingest endpoint in one round trip", func() {
		eventsBody := []byte(`{"data_collection":{"events":[{"type":"track","data":{"name":"signup"}}]}}`)
		req := h.newRequest(http.MethodPost, "/_edgee/event", eventsBody)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Edgee-Debug", "true")
		resp := h.do(req)
		defer resp.Body.Close()

		var decoded struct {
			Events []struct {
				Context struct {
					Session struct {
						SessionCount int  `json:"session_count"`
						SessionStart bool `json:"session_start"`
					} `json:"session"`
				} `json:"context"`
			} `json:"events"`
		}
		decodeJSONBody(resp, &decoded)
		Expect(decoded.Events).To(HaveLen(1))
		Expect(decoded.Events[0].Context.Session.SessionCount).To(Equal(1))
		Expect(decoded.Events[0].Context.Session.SessionStart).To(BeTrue())
	})
})

var _ = Describe("Returning visitor within session", func() {
	var h *harness

	origin := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(htmlPage()))
	}

	BeforeEach(func() {
		h = newHarness(origin, defaultConfig())
	})
	AfterEach(func() { h.Close() })

	It("keeps session_count and session_start=false, bumping only ls", func() {
		base := *h.clock
		priorLS := base.Add(-10 * time.Minute)
		seeded := h.seedIdentityCookie(cookie.Identity{
			ID: "visitor-1", FS: priorLS, LS: priorLS, SS: priorLS, SC: 3,
		})

		req := h.newRequest(http.MethodGet, "/", nil)
		req.AddCookie(seeded)
		resp := h.do(req)
		defer resp.Body.Close()

		cookieVal, ok := setCookieValue(resp, "edgee")
		Expect(ok).To(BeTrue())
		id := h.decryptIdentityCookie(cookieVal)

		Expect(id.SC).To(Equal(3))
		Expect(id.SS.Equal(priorLS)).To(BeTrue(), "session start must be unchanged within the session window")
		Expect(id.LS.After(priorLS)).To(BeTrue(), "last-seen must advance")
	})
})

var _ = Describe("Session roll", func() {
	var h *harness

	origin := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(htmlPage()))
	}

	BeforeEach(func() {
		h = newHarness(origin, defaultConfig())
	})
	AfterEach(func() { h.Close() })

	It("starts a new session once the idle window is exceeded", func() {
		base := *h.clock
		staleSessionStart := base.Add(-45 * time.Minute)
		seeded := h.seedIdentityCookie(cookie.Identity{
			ID: "visitor-2", FS: staleSessionStart, LS: staleSessionStart, SS: staleSessionStart, SC: 3,
		})

		req := h.newRequest(http.MethodGet, "/", nil)
		req.AddCookie(seeded)
		resp := h.do(req)
		defer resp.Body.Close()

		cookieVal, ok := setCookieValue(resp, "edgee")
		Expect(ok).To(BeTrue())
		id := h.decryptIdentityCookie(cookieVal)

		Expect(id.SC).To(Equal(4))
		Expect(id.PS.Equal(staleSessionStart)).To(BeTrue())
		Expect(id.SS.Equal(staleSessionStart)).To(BeFalse())
		Expect(id.SessionStart()).To(BeTrue())
	})
})

var _ = Describe("htmlPage fixture sanity", func() {
	It("contains the SDK marker the scanner looks for", func() {
		Expect(strings.Contains(htmlPage(), `id="__EDGEE_SDK__"`)).To(BeTrue())
	})
})
