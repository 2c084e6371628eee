package wasmruntime

import (
	"encoding/json"

	"github.com/edgehop/proxy/internal/event"
)

// EdgeeRequest is the sandbox ABI's outbound-request shape (§4.K): the
// destination HTTP call a component's page/track/user export asks the
// host to perform on its behalf.
type EdgeeRequest struct {
	Method               string     `json:"method"`
	URL                  string     `json:"url"`
	Headers              [][2]string `json:"headers"`
	Body                 []byte     `json:"body,omitempty"`
	ForwardClientHeaders bool       `json:"forward_client_headers"`
}

// AuthRequest is the sandbox ABI's authenticate() result (SUPPLEMENT #1):
// a one-time request the host sends synchronously at startup.
type AuthRequest struct {
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Headers [][2]string `json:"headers"`
	Body    []byte      `json:"body,omitempty"`
}

// abiEvent is the wire shape crossing the host/guest boundary: the
// canonical Event (§3) flattened to plain maps and key/value pairs, the
// way wit-bindgen would lower a record across the component boundary.
// Marshaling to/from this shape is the one place event.Event's internal
// representation is allowed to leak into the WASM ABI.
type abiEvent struct {
	UUID      string          `json:"uuid"`
	Timestamp int64           `json:"timestamp"` // unix millis
	Type      string          `json:"type"`
	Data      abiData         `json:"data"`
	Context   abiContext      `json:"context"`
	Consent   string          `json:"consent"`
}

type abiData struct {
	Name        string      `json:"name,omitempty"`
	URL         string      `json:"url,omitempty"`
	Path        string      `json:"path,omitempty"`
	Search      string      `json:"search,omitempty"`
	Title       string      `json:"title,omitempty"`
	Keywords    string      `json:"keywords,omitempty"`
	Referrer    string      `json:"referrer,omitempty"`
	UserID      string      `json:"user_id,omitempty"`
	AnonymousID string      `json:"anonymous_id,omitempty"`
	Properties  [][2]string `json:"properties,omitempty"`
	Products    [][][2]string `json:"products,omitempty"`
}

type abiContext struct {
	Page    abiPage    `json:"page"`
	User    abiUser    `json:"user"`
	Client  abiClient  `json:"client"`
	Session abiSession `json:"session"`
}

type abiPage struct {
	URL      string `json:"url,omitempty"`
	Path     string `json:"path,omitempty"`
	Search   string `json:"search,omitempty"`
	Title    string `json:"title,omitempty"`
	Keywords string `json:"keywords,omitempty"`
	Referrer string `json:"referrer,omitempty"`
}

type abiUser struct {
	EdgeeID     string      `json:"edgee_id,omitempty"`
	UserID      string      `json:"user_id,omitempty"`
	AnonymousID string      `json:"anonymous_id,omitempty"`
	Properties  [][2]string `json:"properties,omitempty"`
}

type abiClient struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Locale    string `json:"locale,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

type abiSession struct {
	SessionID    int64 `json:"session_id"`
	SessionCount int   `json:"session_count"`
	SessionStart bool  `json:"session_start"`
}

// toABI marshals the canonical event to the ABI shape and then to JSON,
// ready to be written into the guest's linear memory.
func toABI(e *event.Event, anonymizedIP string) ([]byte, error) {
	ip := e.Context.Client.IP
	if anonymizedIP != "" {
		ip = anonymizedIP
	}
	a := abiEvent{
		UUID:      e.UUID,
		Timestamp: e.Timestamp.UnixMilli(),
		Type:      string(e.Type),
		Consent:   string(e.Consent),
		Data: abiData{
			Name:        e.Data.Name,
			URL:         e.Data.URL,
			Path:        e.Data.Path,
			Search:      e.Data.Search,
			Title:       e.Data.Title,
			Keywords:    e.Data.Keywords,
			Referrer:    e.Data.Referrer,
			UserID:      e.Data.UserID,
			AnonymousID: e.Data.AnonymousID,
			Properties:  flattenProperties(e.Data.Properties),
			Products:    extractProducts(e.Data.Properties),
		},
		Context: abiContext{
			Page: abiPage{
				URL:      e.Context.Page.URL,
				Path:     e.Context.Page.Path,
				Search:   e.Context.Page.Search,
				Title:    e.Context.Page.Title,
				Keywords: e.Context.Page.Keywords,
				Referrer: e.Context.Page.Referrer,
			},
			User: abiUser{
				EdgeeID:     e.Context.User.EdgeeID,
				UserID:      e.Context.User.UserID,
				AnonymousID: e.Context.User.AnonymousID,
				Properties:  flattenProperties(e.Context.User.Properties),
			},
			Client: abiClient{
				IP:        ip,
				UserAgent: e.Context.Client.UserAgent,
				Locale:    e.Context.Client.Locale,
				Timezone:  e.Context.Client.Timezone,
			},
			Session: abiSession{
				SessionID:    e.Context.Session.SessionID,
				SessionCount: e.Context.Session.SessionCount,
				SessionStart: e.Context.Session.SessionStart,
			},
		},
	}
	return json.Marshal(a)
}

// flattenProperties drops array/object-valued properties, keeping only
// scalars as (key, stringified-value) pairs (§4.K marshaling rule). The
// "products" key is handled separately by extractProducts.
func flattenProperties(props map[string]interface{}) [][2]string {
	if len(props) == 0 {
		return nil
	}
	var out [][2]string
	for k, v := range props {
		if k == "products" {
			continue
		}
		switch val := v.(type) {
		case string:
			out = append(out, [2]string{k, val})
		case bool, float64, int, int64:
			out = append(out, [2]string{k, jsonScalar(val)})
		default:
			// arrays/objects are dropped, per §4.K.
		}
	}
	return out
}

// extractProducts implements the one exception to flattenProperties'
// drop-complex-values rule: a "products" key holding an array of objects
// becomes a list of (key, value) sibling lists, one per product.
func extractProducts(props map[string]interface{}) [][][2]string {
	raw, ok := props["products"]
	if !ok {
		return nil
	}
	arr, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var out [][][2]string
	for _, item := range arr {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		var pairs [][2]string
		for k, v := range obj {
			switch val := v.(type) {
			case string:
				pairs = append(pairs, [2]string{k, val})
			case bool, float64, int, int64:
				pairs = append(pairs, [2]string{k, jsonScalar(val)})
			}
		}
		out = append(out, pairs)
	}
	return out
}

func jsonScalar(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// settingsToPairs converts a descriptor's string-keyed settings map to the
// ABI's list-of-pairs form.
func settingsToPairs(settings map[string]string) [][2]string {
	if len(settings) == 0 {
		return nil
	}
	out := make([][2]string, 0, len(settings))
	for k, v := range settings {
		out = append(out, [2]string{k, v})
	}
	return out
}
