// Package event holds the canonical data model shared by the payload
// canonicalizer, the WASM component runtime, and the destination
// dispatcher: the Event sum type, its Context/Session sub-structures, and
// the two cookie envelopes (identity and user).
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminates the three event shapes. It is always the source of
// truth during (de)serialization — never inferred from the shape of data.
type Type string

const (
	TypePage  Type = "page"
	TypeTrack Type = "track"
	TypeUser  Type = "user"
)

// Consent mirrors the three-state consent the spec allows on an event. The
// zero value (empty string) means "absent" and is distinct from Pending.
type Consent string

const (
	ConsentPending Consent = "pending"
	ConsentGranted Consent = "granted"
	ConsentDenied  Consent = "denied"
)

// From tags where an event entered the system.
type From string

const (
	FromEdge   From = "edge"
	FromClient From = "client"
	FromThird  From = "third"
)

// Data holds the union of page/track/user payload fields. Only the
// fields relevant to Type are populated; the rest stay at zero value.
// Properties carries arbitrary event-specific key/value data; values may
// be scalars, arrays, or nested objects — flattening to the WASM ABI
// happens in internal/wasmruntime/convert.go, the one place that
// conversion is allowed to live.
type Data struct {
	Name       string                 `json:"name,omitempty"`
	URL        string                 `json:"url,omitempty"`
	Path       string                 `json:"path,omitempty"`
	Search     string                 `json:"search,omitempty"`
	Title      string                 `json:"title,omitempty"`
	Keywords   string                 `json:"keywords,omitempty"`
	Referrer   string                 `json:"referrer,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	AnonymousID string                `json:"anonymous_id,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Campaign holds UTM-derived attribution fields; only materialized if at
// least one utm_* query parameter was present (§4.E step 6).
type Campaign struct {
	Name             string `json:"name,omitempty"`
	Source           string `json:"source,omitempty"`
	Medium           string `json:"medium,omitempty"`
	Term             string `json:"term,omitempty"`
	Content          string `json:"content,omitempty"`
	CreativeFormat   string `json:"creative_format,omitempty"`
	MarketingTactic  string `json:"marketing_tactic,omitempty"`
}

// Client holds request-derived networking/device fields (§4.E step 5).
type Client struct {
	IP                    string `json:"ip,omitempty"`
	UserAgent             string `json:"user_agent,omitempty"`
	Locale                string `json:"locale,omitempty"`
	AcceptLanguage        string `json:"accept_language,omitempty"`
	ScreenWidth           int    `json:"screen_width,omitempty"`
	ScreenHeight          int    `json:"screen_height,omitempty"`
	ScreenDensity         float64 `json:"screen_density,omitempty"`
	Timezone              string `json:"timezone,omitempty"`
	UserAgentArchitecture string `json:"user_agent_architecture,omitempty"`
	UserAgentBitness      string `json:"user_agent_bitness,omitempty"`
	UserAgentMobile       string `json:"user_agent_mobile,omitempty"`
	UserAgentModel        string `json:"user_agent_model,omitempty"`
	UserAgentFullVersionList string `json:"user_agent_full_version_list,omitempty"`
	OSName                string `json:"os_name,omitempty"`
	OSVersion             string `json:"os_version,omitempty"`
}

// Page carries context about the page the event originated from.
type Page struct {
	URL       string `json:"url,omitempty"`
	Path      string `json:"path,omitempty"`
	Search    string `json:"search,omitempty"`
	Title     string `json:"title,omitempty"`
	Keywords  string `json:"keywords,omitempty"`
	Referrer  string `json:"referrer,omitempty"`
}

// User carries identity fields threaded through from the identity cookie
// and, when present, the user cookie.
type User struct {
	EdgeeID     string                 `json:"edgee_id,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	AnonymousID string                 `json:"anonymous_id,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
}

// Session is derived once per request from the identity cookie (§3).
type Session struct {
	SessionID         int64 `json:"session_id"`
	PreviousSessionID int64 `json:"previous_session_id,omitempty"`
	SessionCount      int   `json:"session_count"`
	SessionStart      bool  `json:"session_start"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
}

// Context aggregates everything that isn't event-type-specific data.
type Context struct {
	Page     Page      `json:"page"`
	User     User      `json:"user"`
	Client   Client    `json:"client"`
	Campaign *Campaign `json:"campaign,omitempty"`
	Session  Session   `json:"session"`
}

// Event is the canonical unit flowing through canonicalization, the WASM
// runtime, and the dispatcher.
type Event struct {
	UUID         string          `json:"uuid"`
	Timestamp    time.Time       `json:"timestamp"`
	Type         Type            `json:"type"`
	Data         Data            `json:"data"`
	Context      Context         `json:"context"`
	Consent      Consent         `json:"consent,omitempty"`
	Components   map[string]bool `json:"components,omitempty"`
	From         From            `json:"from"`
	SessionStart bool            `json:"-"`
}

// ComponentEnabled resolves the event's per-destination enable flag,
// honoring the "all" default key (§4.L step 2).
func (e Event) ComponentEnabled(componentID string) bool {
	if len(e.Components) == 0 {
		return true
	}
	if v, ok := e.Components[componentID]; ok {
		return v
	}
	if v, ok := e.Components["all"]; ok {
		return v
	}
	return true
}

// AllComponentsDisabled reports whether Components is non-empty and every
// value in it is false — the filter condition in §4.E step 9.
func (e Event) AllComponentsDisabled() bool {
	if len(e.Components) == 0 {
		return false
	}
	for _, v := range e.Components {
		if v {
			return false
		}
	}
	return true
}

// NewUUID returns a fresh random 128-bit event identifier.
func NewUUID() string {
	return uuid.New().String()
}
