// Package canon implements the Payload Canonicalizer (§4.E): the
// eleven-step pipeline that turns a raw HTML data-layer blob or JSON
// collection payload, plus request/cookie/scan context, into a
// canonical, filtered list of events.
package canon

import (
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/edgehop/proxy/internal/cookie"
	"github.com/edgehop/proxy/internal/event"
	"github.com/edgehop/proxy/internal/htmlscan"
	"github.com/edgehop/proxy/internal/realip"
)

// Input bundles everything the canonicalizer needs for one request.
type Input struct {
	RawBody    []byte
	IsHTML     bool
	Method     string
	Path       string
	RawQuery   string
	Headers    http.Header
	RemoteAddr string // passed through to realip.From via Request below
	Request    *http.Request

	Identity cookie.Identity
	User     *cookie.User // nil if absent
	Scan     htmlscan.Result
	From     event.From

	RequestURL string // full incoming request URL, used as a page-url fallback
}

// Result is what Canonicalize hands back to the caller.
type Result struct {
	Events       []*event.Event
	UserCookie   *cookie.User // non-nil when a surviving user event should be persisted
}

// Canonicalize runs the §4.E pipeline. The parse step's error behavior
// deliberately differs by ingest path (spec's documented open question:
// preserve the split, don't unify): the HTML path never fails — a
// malformed data-layer blob just yields an empty payload — while the
// JSON endpoint path surfaces the parse error to the caller.
func Canonicalize(in Input, now time.Time) (Result, error) {
	var payload rawPayload
	if in.IsHTML {
		payload = parseHTMLPayload(in.RawBody)
	} else {
		p, err := parseJSONPayload(in.RawBody)
		if err != nil {
			return Result{}, err
		}
		payload = p
	}

	ctx := event.Context{}
	attachSession(&ctx, in.Identity)

	if in.IsHTML {
		fillFromHTML(&ctx, in, payload)
	}
	fillFromHeaders(&ctx, in)
	fillCampaign(&ctx, in)
	if in.User != nil {
		fillFromUserCookie(&ctx, *in.User)
	}
	overlayPayloadContext(&ctx, payload)

	events := materializeEvents(payload, ctx, in, now)
	events = filterDisabled(events)

	var userCookie *cookie.User
	for _, e := range events {
		if e.Type == event.TypeUser {
			uc := cookie.User{
				UserID:      e.Data.UserID,
				AnonymousID: e.Data.AnonymousID,
				Properties:  e.Data.Properties,
			}
			userCookie = &uc
		}
	}

	return Result{Events: events, UserCookie: userCookie}, nil
}

// rawPayload is the loosely-typed wire shape from §3's Payload.
type rawPayload struct {
	found      bool
	components map[string]bool
	consent    event.Consent
	contextRaw gjson.Result
	events     []gjson.Result
}

// ErrInvalidJSON is returned by parseJSONPayload when the body is not
// parseable, even after comment stripping.
var ErrInvalidJSON = errorString("canon: payload is not valid JSON")

type errorString string

func (e errorString) Error() string { return string(e) }

// parseHTMLPayload implements step 1 for the HTML ingest path: parse
// errors are logged and swallowed, yielding an empty payload.
func parseHTMLPayload(raw []byte) rawPayload {
	p, err := decodePayload(raw)
	if err != nil {
		slog.Warn("canon: data-layer payload failed to parse, proceeding with empty payload")
		return rawPayload{}
	}
	return p
}

// parseJSONPayload implements step 1 for the JSON endpoint path
// (/_edgee/event, /_edgee/csevent): parse errors are surfaced to the
// caller, which responds 400 rather than silently dropping the event.
func parseJSONPayload(raw []byte) (rawPayload, error) {
	p, err := decodePayload(raw)
	if err != nil {
		return rawPayload{}, ErrInvalidJSON
	}
	return p, nil
}

func decodePayload(raw []byte) (rawPayload, error) {
	if len(raw) == 0 {
		return rawPayload{}, nil
	}
	clean := stripJSONComments(raw)
	if !gjson.ValidBytes(clean) {
		return rawPayload{}, ErrInvalidJSON
	}
	root := gjson.ParseBytes(clean)
	dc := root.Get("data_collection")
	if !dc.Exists() {
		return rawPayload{}, nil
	}

	p := rawPayload{found: true}
	if comps := dc.Get("components"); comps.Exists() {
		p.components = map[string]bool{}
		comps.ForEach(func(k, v gjson.Result) bool {
			p.components[k.String()] = v.Bool()
			return true
		})
	}
	if c := dc.Get("consent"); c.Exists() {
		p.consent = event.Consent(c.String())
	}
	p.contextRaw = dc.Get("context")
	if evs := dc.Get("events"); evs.Exists() && evs.IsArray() {
		p.events = evs.Array()
	}
	return p, nil
}

// stripJSONComments removes // and /* */ comments that fall outside of
// string literals, tolerating the relaxed JSON the inline data layer
// allows authors to hand-write.
func stripJSONComments(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			out = append(out, c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '/' && i+1 < len(raw) && raw[i+1] == '/':
			for i < len(raw) && raw[i] != '\n' {
				i++
			}
			i--
		case c == '/' && i+1 < len(raw) && raw[i+1] == '*':
			i += 2
			for i+1 < len(raw) && !(raw[i] == '*' && raw[i+1] == '/') {
				i++
			}
			i++
		default:
			out = append(out, c)
		}
	}
	return out
}

// attachSession implements step 3.
func attachSession(ctx *event.Context, id cookie.Identity) {
	ctx.User.EdgeeID = id.ID
	sess := event.Session{
		SessionID:    id.SS.Unix(),
		SessionCount: id.SC,
		SessionStart: id.SessionStart(),
		FirstSeen:    id.FS,
		LastSeen:     id.LS,
	}
	if !id.PS.IsZero() {
		sess.PreviousSessionID = id.PS.Unix()
	}
	ctx.Session = sess
}

// fillFromHTML implements step 4.
func fillFromHTML(ctx *event.Context, in Input, payload rawPayload) {
	canonicalURL := in.Scan.Canonical
	url := firstNonEmpty(canonicalURL, in.RequestURL)
	ctx.Page.URL = url
	ctx.Page.Path = in.Path
	search := ""
	if in.RawQuery != "" {
		search = "?" + in.RawQuery
	}
	ctx.Page.Search = search
	ctx.Page.Title = html.UnescapeString(in.Scan.Title)
	ctx.Page.Keywords = html.UnescapeString(in.Scan.Keywords)
}

// fillFromHeaders implements step 5.
func fillFromHeaders(ctx *event.Context, in Input) {
	h := in.Headers
	ctx.Client.UserAgent = h.Get("User-Agent")
	if in.Request != nil {
		ctx.Client.IP = realip.From(in.Request)
	}

	al := h.Get("Accept-Language")
	ctx.Client.AcceptLanguage = al
	locale := "en-us"
	if al != "" {
		first := strings.TrimSpace(strings.Split(al, ",")[0])
		if first != "" {
			locale = strings.ToLower(first)
		}
	}
	ctx.Client.Locale = locale

	ctx.Client.UserAgentArchitecture = trimQuotes(h.Get("Sec-CH-UA-Arch"))
	ctx.Client.UserAgentBitness = trimQuotes(h.Get("Sec-CH-UA-Bitness"))
	ctx.Client.UserAgentModel = trimQuotes(h.Get("Sec-CH-UA-Model"))
	ctx.Client.OSName = trimQuotes(h.Get("Sec-CH-UA-Platform"))
	ctx.Client.OSVersion = trimQuotes(h.Get("Sec-CH-UA-Platform-Version"))

	if uaFullVersionList := h.Get("Sec-CH-UA-Full-Version-List"); uaFullVersionList != "" {
		ctx.Client.UserAgentFullVersionList = normalizeSecCHUA(uaFullVersionList)
	} else if uaHeader := h.Get("Sec-CH-UA"); uaHeader != "" {
		ctx.Client.UserAgentFullVersionList = normalizeSecCHUA(uaHeader)
	}
}

func trimQuotes(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"`)
	s = strings.Trim(s, `?`)
	return s
}

// normalizeSecCHUA turns `"Chromium";v="128", "Not;A=Brand";v="24"` into
// `Chromium;128.0.0.0|Not;A=Brand;24.0.0.0`, padding bare version
// numbers to four dotted components as the full-version-list fields
// require.
func normalizeSecCHUA(raw string) string {
	entries := strings.Split(raw, ",")
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		parts := strings.SplitN(e, ";v=", 2)
		brand := trimQuotes(parts[0])
		version := "0"
		if len(parts) == 2 {
			version = trimQuotes(parts[1])
		}
		out = append(out, brand+";"+padVersion(version))
	}
	return strings.Join(out, "|")
}

func padVersion(v string) string {
	parts := strings.Split(v, ".")
	for len(parts) < 4 {
		parts = append(parts, "0")
	}
	return strings.Join(parts[:4], ".")
}

var utmKeys = []string{"campaign", "source", "medium", "term", "content", "creative_format", "marketing_tactic"}

// fillCampaign implements step 6.
func fillCampaign(ctx *event.Context, in Input) {
	q := in.Request.URL.Query()
	found := false
	c := event.Campaign{}
	for _, k := range utmKeys {
		v := q.Get("utm_" + k)
		if v == "" {
			continue
		}
		found = true
		switch k {
		case "campaign":
			c.Name = v
		case "source":
			c.Source = v
		case "medium":
			c.Medium = v
		case "term":
			c.Term = v
		case "content":
			c.Content = v
		case "creative_format":
			c.CreativeFormat = v
		case "marketing_tactic":
			c.MarketingTactic = v
		}
	}
	if found {
		ctx.Campaign = &c
	}
}

// fillFromUserCookie implements step 7: overlay only fields still absent.
func fillFromUserCookie(ctx *event.Context, u cookie.User) {
	if ctx.User.UserID == "" {
		ctx.User.UserID = u.UserID
	}
	if ctx.User.AnonymousID == "" {
		ctx.User.AnonymousID = u.AnonymousID
	}
	if len(ctx.User.Properties) == 0 && len(u.Properties) > 0 {
		ctx.User.Properties = u.Properties
	}
}

// overlayPayloadContext folds the caller-supplied context.* fields from
// the parsed payload onto the derived context, with explicit payload
// values winning over derived ones where both are set. It runs on both
// ingest paths, after the HTML-path fill in step 4, which sets the page
// fields from the scan and the request without consulting the payload.
func overlayPayloadContext(ctx *event.Context, payload rawPayload) {
	if !payload.contextRaw.Exists() {
		return
	}
	if v := payload.contextRaw.Get("page.url"); v.Exists() {
		ctx.Page.URL = v.String()
	}
	if v := payload.contextRaw.Get("page.path"); v.Exists() {
		ctx.Page.Path = v.String()
	}
	if v := payload.contextRaw.Get("page.title"); v.Exists() {
		ctx.Page.Title = v.String()
	}
	if v := payload.contextRaw.Get("user.user_id"); v.Exists() {
		ctx.User.UserID = v.String()
	}
	if v := payload.contextRaw.Get("user.anonymous_id"); v.Exists() {
		ctx.User.AnonymousID = v.String()
	}
}

// materializeEvents implements step 8.
func materializeEvents(payload rawPayload, ctx event.Context, in Input, now time.Time) []*event.Event {
	if len(payload.events) == 0 {
		if !in.IsHTML {
			return nil
		}
		e := &event.Event{
			UUID:      event.NewUUID(),
			Timestamp: now,
			Type:      event.TypePage,
			Context:   ctx,
			Consent:   payload.consent,
			Components: payload.components,
			From:      in.From,
		}
		e.Data.URL = ctx.Page.URL
		e.Data.Path = ctx.Page.Path
		e.Data.Title = ctx.Page.Title
		e.Data.Keywords = ctx.Page.Keywords
		e.SessionStart = ctx.Session.SessionStart
		return []*event.Event{e}
	}

	out := make([]*event.Event, 0, len(payload.events))
	for i, raw := range payload.events {
		e := &event.Event{
			UUID:      event.NewUUID(),
			Timestamp: now,
			Type:      event.Type(raw.Get("type").String()),
			Context:   ctx,
			Consent:   payload.consent,
			Components: payload.components,
			From:      in.From,
		}
		if i > 0 {
			e.Timestamp = now.Add(time.Second)
		}
		if c := raw.Get("consent"); c.Exists() {
			e.Consent = event.Consent(c.String())
		}
		if comps := raw.Get("components"); comps.Exists() {
			m := map[string]bool{}
			comps.ForEach(func(k, v gjson.Result) bool {
				m[k.String()] = v.Bool()
				return true
			})
			e.Components = m
		}

		data := raw.Get("data")
		e.Data.Name = data.Get("name").String()
		e.Data.Properties = asMap(data.Get("properties"))

		switch e.Type {
		case event.TypePage:
			e.Data.URL = firstNonEmpty(data.Get("url").String(), ctx.Page.URL)
			e.Data.Path = firstNonEmpty(data.Get("path").String(), ctx.Page.Path)
			e.Data.Title = firstNonEmpty(data.Get("title").String(), ctx.Page.Title)
			e.Data.Keywords = firstNonEmpty(data.Get("keywords").String(), ctx.Page.Keywords)
		case event.TypeUser:
			e.Data.UserID = firstNonEmpty(data.Get("user_id").String(), ctx.User.UserID)
			e.Data.AnonymousID = firstNonEmpty(data.Get("anonymous_id").String(), ctx.User.AnonymousID)
		}
		// Only the first event in a batch can open a session; every event
		// independently gets a fresh UUID (event.NewUUID), so siblings are
		// distinguished by batch position, not by any UUID collision.
		e.SessionStart = i == 0 && ctx.Session.SessionStart
		out = append(out, e)
	}

	return out
}

func asMap(r gjson.Result) map[string]interface{} {
	if !r.Exists() || !r.IsObject() {
		return nil
	}
	m := map[string]interface{}{}
	r.ForEach(func(k, v gjson.Result) bool {
		m[k.String()] = v.Value()
		return true
	})
	return m
}

// filterDisabled implements step 9.
func filterDisabled(events []*event.Event) []*event.Event {
	out := events[:0]
	for _, e := range events {
		if e.AllComponentsDisabled() {
			continue
		}
		out = append(out, e)
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
