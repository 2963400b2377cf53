// Package dc models Telegram data centers: endpoint options, negotiated
// keys, clock deltas and the per-DC handshake state.
package dc

import (
	"fmt"
	"time"

	"github.com/postalsys/tele-metroo/internal/session"
)

// Flags records what a DC has achieved so far.
type Flags uint8

const (
	FlagHasPermKey Flags = 1 << 0 // permanent auth key negotiated
	FlagBound      Flags = 1 << 1 // temp key bound to the permanent key
	FlagConfigured Flags = 1 << 2 // help.getConfig answered
	FlagLoggedIn   Flags = 1 << 3 // user authorization completed
	FlagHasTempKey Flags = 1 << 4 // temporary auth key negotiated
)

// State is the handshake state of a DC.
type State int32

const (
	StateInit State = iota
	StateReqPQSent
	StateReqDHSent
	StateClientDHSent
	StateAuthorized
	StateReqPQSentTemp
	StateReqDHSentTemp
	StateClientDHSentTemp
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReqPQSent:
		return "REQPQ_SENT"
	case StateReqDHSent:
		return "REQDH_SENT"
	case StateClientDHSent:
		return "CLIENT_DH_SENT"
	case StateAuthorized:
		return "AUTHORIZED"
	case StateReqPQSentTemp:
		return "REQPQ_SENT_TEMP"
	case StateReqDHSentTemp:
		return "REQDH_SENT_TEMP"
	case StateClientDHSentTemp:
		return "CLIENT_DH_SENT_TEMP"
	default:
		return "UNKNOWN"
	}
}

// IsTemp reports whether the state belongs to the temporary-key branch.
func (s State) IsTemp() bool {
	return s == StateReqPQSentTemp || s == StateReqDHSentTemp || s == StateClientDHSentTemp
}

// Endpoint is a single host/port option for reaching a DC.
type Endpoint struct {
	Host string
	Port int
}

// String returns host:port.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// OptionIndex maps the address family and media flag onto the four
// endpoint lists a DC keeps.
func OptionIndex(ipv6, media bool) int {
	idx := 0
	if ipv6 {
		idx |= 1
	}
	if media {
		idx |= 2
	}
	return idx
}

// DC is the per-data-center record. All fields are owned by the client
// and mutated only under its lock.
type DC struct {
	ID int32

	// Endpoint options indexed by OptionIndex. Order-preserving,
	// duplicates suppressed by host match.
	options [4][]Endpoint

	// Permanent auth key.
	AuthKey   [256]byte
	AuthKeyID int64

	// Temporary (PFS) auth key. Equal to the permanent key when PFS is
	// disabled.
	TempAuthKey   [256]byte
	TempAuthKeyID int64

	ServerSalt int64

	// Clock deltas: server time against the wall clock and against a
	// monotonic clock.
	ServerTimeDelta  float64
	ServerTimeUDelta float64

	Flags Flags
	State State

	// Index of the RSA key that matched the server's fingerprint list.
	RSAKeyIdx int

	// Handshake scratch.
	Nonce       [16]byte
	ServerNonce [16]byte
	NewNonce    [32]byte

	// Single active session slot.
	Session *session.Session

	// Temp-key regeneration timer handle.
	RegenTimer *time.Timer

	// Outstanding bind RPC, if any.
	BindQueryID int64
}

// New creates a DC record.
func New(id int32) *DC {
	return &DC{ID: id, RSAKeyIdx: -1}
}

// AddEndpoint appends an endpoint option, suppressing duplicates by host.
func (d *DC) AddEndpoint(ipv6, media bool, host string, port int) {
	idx := OptionIndex(ipv6, media)
	for _, e := range d.options[idx] {
		if e.Host == host {
			return
		}
	}
	d.options[idx] = append(d.options[idx], Endpoint{Host: host, Port: port})
}

// Endpoints returns the option list for an address family and media flag.
func (d *DC) Endpoints(ipv6, media bool) []Endpoint {
	return d.options[OptionIndex(ipv6, media)]
}

// PrimaryEndpoint returns the head of the main option list for the given
// address family.
func (d *DC) PrimaryEndpoint(ipv6 bool) (Endpoint, bool) {
	opts := d.options[OptionIndex(ipv6, false)]
	if len(opts) == 0 {
		return Endpoint{}, false
	}
	return opts[0], true
}

// RotateEndpoint moves the head of the main option list to the tail,
// for round-robin on repeated connect failures.
func (d *DC) RotateEndpoint(ipv6 bool) {
	idx := OptionIndex(ipv6, false)
	if len(d.options[idx]) > 1 {
		head := d.options[idx][0]
		d.options[idx] = append(d.options[idx][1:], head)
	}
}

// SetPermKey installs the permanent auth key and derived id.
func (d *DC) SetPermKey(key [256]byte, keyID int64) {
	d.AuthKey = key
	d.AuthKeyID = keyID
	d.Flags |= FlagHasPermKey
}

// SetTempKey installs the temporary auth key and derived id.
func (d *DC) SetTempKey(key [256]byte, keyID int64) {
	d.TempAuthKey = key
	d.TempAuthKeyID = keyID
	d.Flags |= FlagHasTempKey
}

// AdoptPermKeyAsTemp copies the permanent key into the temporary slot and
// marks the DC bound. Used when PFS is disabled.
func (d *DC) AdoptPermKeyAsTemp() {
	d.TempAuthKey = d.AuthKey
	d.TempAuthKeyID = d.AuthKeyID
	d.Flags |= FlagHasTempKey | FlagBound
}

// ClearTempKey drops the temporary key ahead of a PFS rotation.
func (d *DC) ClearTempKey() {
	d.TempAuthKey = [256]byte{}
	d.TempAuthKeyID = 0
	d.Flags &^= FlagHasTempKey | FlagBound
}

// Has reports whether all given flags are set.
func (d *DC) Has(f Flags) bool {
	return d.Flags&f == f
}

// String returns a debug representation.
func (d *DC) String() string {
	return fmt.Sprintf("DC{id=%d, state=%s, flags=0x%02x}", d.ID, d.State, uint8(d.Flags))
}
