package e2e

import (
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Routing prefix rewrite", func() {
	var h *harness
	var gotPath, gotQuery string

	origin := func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}

	BeforeEach(func() {
		gotPath, gotQuery = "", ""
		h = newHarness(origin, defaultConfig())
	})
	AfterEach(func() { h.Close() })

	It("rewrites /api/v1/* to /v1/* on the api backend, preserving the query", func() {
		resp := h.do(h.newRequest(http.MethodGet, "/api/v1/users?x=1", nil))
		defer resp.Body.Close()

		Expect(gotPath).To(Equal("/v1/users"))
		Expect(gotQuery).To(Equal("x=1"))
	})
})
