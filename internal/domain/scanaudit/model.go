package scanaudit

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the capacity in which an actor scans a code.
type Role string

const (
	RoleDoctor   Role = "doctor"
	RoleClinic   Role = "clinic"
	RolePharmacy Role = "pharmacy"
	RoleLab      Role = "lab"
)

// ScanRoles lists every role allowed to operate a scanner.
var ScanRoles = []Role{RoleDoctor, RoleClinic, RolePharmacy, RoleLab}

// ParseRole normalises s into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range ScanRoles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidActor, s)
}

// Outcome records whether a scan was accepted.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// Geolocation is where the scanning device reported itself.
type Geolocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	AccuracyM float64 `json:"accuracy_m,omitempty"`
}

// Actor is the person or organisation operating the scanner.
type Actor struct {
	ID         string       `json:"id"`
	Role       Role         `json:"role"`
	DeviceInfo string       `json:"device_info,omitempty"`
	Geo        *Geolocation `json:"geolocation,omitempty"`
}

// Validate checks that the actor can be attributed in the access trail.
func (a Actor) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: actor id is required", ErrInvalidActor)
	}
	if _, err := ParseRole(string(a.Role)); err != nil {
		return err
	}
	return nil
}

// Entry is one immutable access-trail record, written once per scan
// attempt.
type Entry struct {
	ID            uuid.UUID    `json:"id"`
	QRType        string       `json:"qr_type"`
	QRID          string       `json:"qr_id"`
	ScannedBy     string       `json:"scanned_by"`
	ScannedByRole Role         `json:"scanned_by_role"`
	ScanTime      time.Time    `json:"scan_time"`
	Outcome       Outcome      `json:"outcome"`
	ErrorKind     string       `json:"error_kind,omitempty"`
	Geolocation   *Geolocation `json:"geolocation,omitempty"`
	DeviceInfo    string       `json:"device_info,omitempty"`
	SessionID     string       `json:"session_id,omitempty"`
	SubjectID     string       `json:"subject_id,omitempty"`
}
