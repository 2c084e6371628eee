package e2e

import (
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// Consent denied + anonymization required (§4.L step 4). The actual IP
// substitution only happens inside a component's invocation
// (internal/dispatch.resolveAnonymizedIP, unit-tested directly against
// these exact numbers since no .wasm fixture exists to drive a real
// invocation end to end); what's observable here is that the
// canonicalizer correctly threads the real client IP and the declared
// consent onto the event the dispatcher would anonymize.
var _ = Describe("Consent denied event ingest", func() {
	var h *harness

	origin := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}

	BeforeEach(func() {
		h = newHarness(origin, defaultConfig())
	})
	AfterEach(func() { h.Close() })

	It("records the real client IP and denied consent on the canonical event", func() {
		body := []byte(`{"data_collection":{"events":[{"type":"track","data":{"name":"x"},"consent":"denied"}]}}`)
		req := h.newRequest(http.MethodPost, "/_edgee/event", body)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Edgee-Debug", "true")
		req.Header.Set("X-Real-IP", "203.0.113.42")

		resp := h.do(req)
		defer resp.Body.Close()

		var decoded struct {
			Events []struct {
				Consent string `json:"consent"`
				Context struct {
					Client struct {
						IP string `json:"ip"`
					} `json:"client"`
				} `json:"context"`
			} `json:"events"`
		}
		decodeJSONBody(resp, &decoded)

		Expect(decoded.Events).To(HaveLen(1))
		Expect(decoded.Events[0].Consent).To(Equal("denied"))
		Expect(decoded.Events[0].Context.Client.IP).To(Equal("203.0.113.42"),
			"the canonical event itself always carries the real IP; anonymization is a per-component copy made in internal/dispatch")
	})
})
