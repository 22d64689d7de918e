// Package entityid defines the canonical identifier grammar for patients,
// doctors and clinics. Every component that accepts or emits an entity ID
// validates it through this package.
package entityid

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidIdentifier is returned when a string does not match the entity ID
// grammar.
var ErrInvalidIdentifier = errors.New("invalid entity identifier")

// pattern is the bit-exact grammar. The sequence component accepts 4 to 6
// digits because upstream registration flows emit both 5 and 6.
var pattern = regexp.MustCompile(`^(PAT|DOC|CLN)-\d{8}-\d{4,6}-\d{4}$`)

// Kind identifies the type of entity an ID refers to.
type Kind string

const (
	KindPatient Kind = "patient"
	KindDoctor  Kind = "doctor"
	KindClinic  Kind = "clinic"
)

var prefixKinds = map[string]Kind{
	"PAT": KindPatient,
	"DOC": KindDoctor,
	"CLN": KindClinic,
}

// Prefix returns the three-letter ID prefix for the kind.
func (k Kind) Prefix() string {
	for p, kind := range prefixKinds {
		if kind == k {
			return p
		}
	}
	return ""
}

// IsValid reports whether s is a well-formed entity ID.
func IsValid(s string) bool {
	return pattern.MatchString(s)
}

// ID is a parsed entity identifier.
type ID struct {
	raw       string
	kind      Kind
	issueDate string
	sequence  string
	suffix    string
}

// Parse validates s and splits it into its components.
func Parse(s string) (ID, error) {
	if !IsValid(s) {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	parts := strings.Split(s, "-")
	return ID{
		raw:       s,
		kind:      prefixKinds[parts[0]],
		issueDate: parts[1],
		sequence:  parts[2],
		suffix:    parts[3],
	}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// static fixtures.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string    { return id.raw }
func (id ID) Kind() Kind        { return id.kind }
func (id ID) IssueDate() string { return id.issueDate }
func (id ID) Sequence() string  { return id.sequence }
func (id ID) Suffix() string    { return id.suffix }
func (id ID) IsZero() bool      { return id.raw == "" }
