package canon

import (
	"fmt"

	"github.com/edgehop/proxy/internal/cookie"
)

// ExtractHints does a cheap, tolerant pre-pass over the raw payload to
// pull out the client-hint fields the Identity Cookie Store overlays on
// every decrypt (§4.B step 2: "overlay screen-size and client-hints from
// the incoming payload when available"). It must run before
// cookie.Store.GetOrSet, which in turn produces the Identity that
// Canonicalize's Input expects — so this reuses only the payload parse
// step (parseHTMLPayload/parseJSONPayload) rather than Canonicalize's
// full pipeline, which needs the Identity as an input.
func ExtractHints(raw []byte, isHTML bool) cookie.ClientHints {
	var payload rawPayload
	if isHTML {
		payload = parseHTMLPayload(raw)
	} else {
		p, err := parseJSONPayload(raw)
		if err != nil {
			return cookie.ClientHints{}
		}
		payload = p
	}
	if !payload.contextRaw.Exists() {
		return cookie.ClientHints{Consent: string(payload.consent)}
	}

	client := payload.contextRaw.Get("client")
	h := cookie.ClientHints{Consent: string(payload.consent)}
	if w := client.Get("screen_width"); w.Exists() {
		if hgt := client.Get("screen_height"); hgt.Exists() {
			h.ScreenSize = fmt.Sprintf("%dx%d", w.Int(), hgt.Int())
		}
	}
	h.UAArch = client.Get("user_agent_architecture").String()
	h.UABitness = client.Get("user_agent_bitness").String()
	h.UAModel = client.Get("user_agent_model").String()
	h.UAPlatformVersion = client.Get("os_version").String()
	h.UAFullVersionList = client.Get("user_agent_full_version_list").String()
	h.Timezone = client.Get("timezone").String()
	return h
}
