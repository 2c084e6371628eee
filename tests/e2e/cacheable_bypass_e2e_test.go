package e2e

import (
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Cacheable HTML bypass", func() {
	var h *harness
	const origBody = `<html><head><script id="__EDGEE_SDK__" src="/_edgee/sdk.js"></script></head><body>cached</body></html>`

	origin := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Cache-Control", "max-age=3600")
		w.Write([]byte(origBody))
	}

	BeforeEach(func() {
		cfg := defaultConfig()
		cfg.EnforceNoStorePolicy = false
		h = newHarness(origin, cfg)
	})
	AfterEach(func() { h.Close() })

	It("skips rewriting entirely and leaves the body byte-identical", func() {
		resp := h.do(h.newRequest(http.MethodGet, "/", nil))
		defer resp.Body.Close()

		Expect(resp.Header.Get("x-edgee")).To(Equal("compute-aborted(cacheable)"))
		Expect(readBody(resp)).To(Equal(origBody))
		_, ok := setCookieValue(resp, "edgee")
		Expect(ok).To(BeFalse(), "the proxy-only gate runs before any cookie work")
	})
})

// A response cacheable only by a shared/CDN cache (private + s-maxage, no
// max-age, no validators) must bypass only when behind_proxy_cache tells
// the oracle a shared cache actually sits in front of this proxy (§4.I,
// §6's compute.behind_proxy_cache).
var _ = Describe("Shared-cache-only HTML bypass", func() {
	var h *harness
	const origBody = `<html><head><script id="__EDGEE_SDK__" src="/_edgee/sdk.js"></script></head><body>shared</body></html>`

	origin := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Cache-Control", "private, s-maxage=60")
		w.Write([]byte(origBody))
	}

	AfterEach(func() { h.Close() })

	It("treats the response as not cacheable when no shared cache sits in front", func() {
		cfg := defaultConfig()
		cfg.BehindProxyCache = false
		h = newHarness(origin, cfg)

		resp := h.do(h.newRequest(http.MethodGet, "/", nil))
		defer resp.Body.Close()

		Expect(resp.Header.Get("x-edgee")).To(Equal("compute-aborted(no-cookie)"),
			"not cacheable, so the pipeline falls through to the ordinary no-cookie abort on this cookie-less request")
	})

	It("bypasses compute once behind_proxy_cache confirms a shared cache is present", func() {
		cfg := defaultConfig()
		cfg.BehindProxyCache = true
		h = newHarness(origin, cfg)

		resp := h.do(h.newRequest(http.MethodGet, "/", nil))
		defer resp.Body.Close()

		Expect(resp.Header.Get("x-edgee")).To(Equal("compute-aborted(cacheable)"))
		Expect(readBody(resp)).To(Equal(origBody))
	})
})
