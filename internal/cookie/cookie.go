// Package cookie implements the Identity Cookie Store (§4.B): issuance,
// rolling session update, and the companion per-user cookie, all wrapped
// in the edgeecrypto AES-128-CBC envelope.
package cookie

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/edgehop/proxy/internal/edgeecrypto"
	"github.com/edgehop/proxy/internal/event"
)

// SessionWindow is the idle gap after which a new session starts (§3).
const SessionWindow = 30 * time.Minute

// ErrAbsent is returned by lookups when no usable cookie is present.
var ErrAbsent = errors.New("cookie: absent")

// Identity mirrors the Identity Cookie's on-the-wire JSON shape (§3).
// Field names match the spec's short keys; they are the serialization
// format, not Go-idiomatic names, so they stay as documented.
type Identity struct {
	ID    string    `json:"id"`
	FS    time.Time `json:"fs"`
	LS    time.Time `json:"ls"`
	SS    time.Time `json:"ss"`
	PS    time.Time `json:"ps,omitempty"`
	SC    int       `json:"sc"`
	SZ    string    `json:"sz,omitempty"`
	UAA   string    `json:"uaa,omitempty"`
	UAB   string    `json:"uab,omitempty"`
	UAM   string    `json:"uam,omitempty"`
	UAPV  string    `json:"uapv,omitempty"`
	UAFVL string    `json:"uafvl,omitempty"`
	TZ    string    `json:"tz,omitempty"`
	C     string    `json:"c,omitempty"`
}

// SessionStart reports whether this request opened the identity's current
// session (ss == ls: a freshly minted identity or one that just rolled).
func (id Identity) SessionStart() bool {
	return id.SS.Equal(id.LS)
}

// User mirrors the companion "<name>_u" cookie's JSON shape.
type User struct {
	UserID      string                 `json:"user_id,omitempty"`
	AnonymousID string                 `json:"anonymous_id,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
}

// ClientHints carries the subset of a request payload that overlays onto
// an Identity on every decrypt (§4.B step 2).
type ClientHints struct {
	ScreenSize string
	UAArch     string
	UABitness  string
	UAModel    string
	UAPlatformVersion string
	UAFullVersionList string
	Timezone   string
	Consent    string
}

// Store issues, reads, and rolls Identity/User cookies over a fixed
// encryption envelope and cookie name.
type Store struct {
	Cipher       *edgeecrypto.Cipher
	CookieName   string
	Domain       string // configured override; empty means derive eTLD+1
	Secure       bool
	now          func() time.Time
}

// NewStore builds a Store. now defaults to time.Now when nil (tests may
// override it for deterministic session-roll assertions).
func NewStore(cipher *edgeecrypto.Cipher, cookieName, domain string, secure bool, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{Cipher: cipher, CookieName: cookieName, Domain: domain, Secure: secure, now: now}
}

// HasCookie reports whether r carries an identity cookie by name, or —
// for the beacon endpoint, which cannot set headers before the pixel
// fires — an equivalent "e" or "u" query parameter. The query-parameter
// fallback applies only to POST /_edgee/csevent.
func (s *Store) HasCookie(r *http.Request) bool {
	if _, err := r.Cookie(s.CookieName); err == nil {
		return true
	}
	if r.Method != http.MethodPost || r.URL.Path != "/_edgee/csevent" {
		return false
	}
	q := r.URL.Query()
	if q.Get("e") != "" || q.Get("u") != "" {
		return true
	}
	return false
}

// GetOrSet implements §4.B get_or_set: locate, decrypt-and-roll, or
// mint a fresh Identity, always leaving a Set-Cookie attached to w.
func (s *Store) GetOrSet(r *http.Request, w http.ResponseWriter, hints ClientHints) Identity {
	now := s.now().UTC()

	id, err := s.read(r)
	if err != nil {
		id = Identity{ID: event.NewUUID(), FS: now, LS: now, SS: now, SC: 1}
	} else {
		prevLS := id.LS
		id.LS = now
		if now.Sub(prevLS) >= SessionWindow {
			id.PS = id.SS
			id.SS = now
			id.SC++
		}
	}

	overlay(&id, hints)
	s.write(w, r, id)
	return id
}

// SetUserCookie writes the "<name>_u" cookie for u.
func (s *Store) SetUserCookie(r *http.Request, w http.ResponseWriter, u User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	enc, err := s.Cipher.Encrypt(raw)
	if err != nil {
		return err
	}
	http.SetCookie(w, s.buildCookie(r, s.userCookieName(), enc))
	return nil
}

// GetUserCookie implements §4.B get_user_cookie: any failure to find,
// decrypt, or parse the cookie is reported as ErrAbsent.
func (s *Store) GetUserCookie(r *http.Request) (User, error) {
	c, err := r.Cookie(s.userCookieName())
	if err != nil {
		return User{}, ErrAbsent
	}
	plain, err := s.Cipher.Decrypt(c.Value)
	if err != nil {
		return User{}, ErrAbsent
	}
	var u User
	if err := json.Unmarshal(plain, &u); err != nil {
		return User{}, ErrAbsent
	}
	return u, nil
}

func (s *Store) userCookieName() string {
	return s.CookieName + "_u"
}

func (s *Store) read(r *http.Request) (Identity, error) {
	c, err := r.Cookie(s.CookieName)
	if err != nil {
		return Identity{}, ErrAbsent
	}
	plain, err := s.Cipher.Decrypt(c.Value)
	if err != nil {
		return Identity{}, ErrAbsent
	}
	var id Identity
	if err := json.Unmarshal(plain, &id); err != nil {
		return Identity{}, ErrAbsent
	}
	return id, nil
}

func (s *Store) write(w http.ResponseWriter, r *http.Request, id Identity) {
	raw, err := json.Marshal(id)
	if err != nil {
		return
	}
	enc, err := s.Cipher.Encrypt(raw)
	if err != nil {
		return
	}
	http.SetCookie(w, s.buildCookie(r, s.CookieName, enc))
}

func (s *Store) buildCookie(r *http.Request, name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Domain:   s.domainFor(r),
		Path:     "/",
		Expires:  s.now().UTC().Add(365 * 24 * time.Hour),
		SameSite: http.SameSiteLaxMode,
		HttpOnly: false,
		Secure:   s.Secure,
	}
}

func (s *Store) domainFor(r *http.Request) string {
	if s.Domain != "" {
		return s.Domain
	}
	return RegistrableDomain(hostOnly(r.Host))
}

func overlay(id *Identity, h ClientHints) {
	if h.ScreenSize != "" {
		id.SZ = h.ScreenSize
	}
	if h.UAArch != "" {
		id.UAA = h.UAArch
	}
	if h.UABitness != "" {
		id.UAB = h.UABitness
	}
	if h.UAModel != "" {
		id.UAM = h.UAModel
	}
	if h.UAPlatformVersion != "" {
		id.UAPV = h.UAPlatformVersion
	}
	if h.UAFullVersionList != "" {
		id.UAFVL = h.UAFullVersionList
	}
	if h.Timezone != "" {
		id.TZ = h.Timezone
	}
	if h.Consent != "" {
		id.C = h.Consent
	}
}

// RegistrableDomain parses host and returns its eTLD+1, falling back to
// the literal host when the public suffix list can't resolve one (e.g.
// bare IP addresses, single-label hosts, or internal TLDs).
func RegistrableDomain(host string) string {
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return etld1
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
