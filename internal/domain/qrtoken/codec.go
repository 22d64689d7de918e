package qrtoken

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/eclinic/qrid/internal/domain/entityid"
)

// maxRawLength bounds the input a scanner may hand to Decode. Version 40 QR
// codes top out below this.
const maxRawLength = 8192

// Codec is the only place that defines and parses the string stored in a QR
// code. It is safe for concurrent use.
type Codec struct {
	cfg Config
	now func() time.Time
}

// NewCodec creates a Codec. A nil clock defaults to time.Now.
func NewCodec(cfg Config, now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{cfg: cfg, now: now}
}

// Encode returns the string to render into a QR image. Link and record
// payloads become URLs; emergency and time-limited payloads become compact
// JSON so they can be read without a network round-trip.
func (c *Codec) Encode(p Payload) (string, error) {
	switch v := p.(type) {
	case LinkPayload:
		id, err := entityid.Parse(v.EntityID)
		if err != nil {
			return "", err
		}
		return c.cfg.entityURL(id), nil
	case AppointmentPayload:
		return c.encodeRecord(TypeAppointment, v.RecordID)
	case PrescriptionPayload:
		return c.encodeRecord(TypePrescription, v.RecordID)
	case LabReportPayload:
		return c.encodeRecord(TypeLabReport, v.RecordID)
	case EmergencyPayload:
		if !entityid.IsValid(v.EntityID) {
			return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, v.EntityID)
		}
		w, _ := toWire(v)
		return marshalCompact(w)
	case TimeLimitedPayload:
		inner, err := toWire(v.Inner)
		if err != nil {
			return "", err
		}
		innerJSON, err := json.Marshal(inner)
		if err != nil {
			return "", fmt.Errorf("encode inner payload: %w", err)
		}
		return marshalCompact(wireTimed{
			Type:    string(TypeTimeLimited),
			Issued:  v.Issued.UTC(),
			Expires: v.Expires.UTC(),
			Payload: innerJSON,
		})
	default:
		return "", fmt.Errorf("qrtoken: unsupported payload %T", p)
	}
}

func (c *Codec) encodeRecord(t Type, recordID string) (string, error) {
	if !validRecordID(recordID) {
		return "", fmt.Errorf("%w: %q", ErrIncompleteRecord, recordID)
	}
	return c.cfg.recordURL(t, recordID), nil
}

func marshalCompact(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

// Decode validates a scanned string and reconstructs its payload. It performs
// no I/O; the result depends only on raw and the clock. Every failure is a
// *DecodeError carrying a distinct ErrorKind.
func (c *Codec) Decode(raw string) (*Token, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) > maxRawLength {
		return nil, decodeErr(KindUnrecognizedFormat, "input of %d bytes exceeds %d", len(raw), maxRawLength)
	}

	var (
		tok *Token
		err error
	)
	if hasHTTPScheme(raw) {
		tok, err = c.decodeURL(raw)
	} else {
		tok, err = c.decodeJSON(raw)
	}
	if err != nil {
		return nil, err
	}

	if tl, ok := tok.Payload.(TimeLimitedPayload); ok && tl.ExpiredAt(c.now()) {
		return nil, decodeErr(KindTokenExpired, "expired at %s", tl.Expires.UTC().Format(time.RFC3339))
	}
	return tok, nil
}

func hasHTTPScheme(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://")
}

func (c *Codec) decodeURL(raw string) (*Token, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, decodeErr(KindMalformedIdentifier, "unparsable url")
	}

	if u.Path == "" || strings.HasSuffix(u.Path, "/") {
		return nil, decodeErr(KindMalformedIdentifier, "url has no identifier segment")
	}
	segments := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	id := segments[len(segments)-1]
	if len(segments) < 3 {
		return nil, decodeErr(KindUnknownPayloadShape, "url path %q has no resource path", u.Path)
	}
	resource := segments[len(segments)-3] + "/" + segments[len(segments)-2]

	for kind, path := range entityPaths {
		if path != resource {
			continue
		}
		parsed, err := entityid.Parse(id)
		if err != nil {
			return nil, decodeErr(KindMalformedIdentifier, "%q is not a valid entity id", id)
		}
		if parsed.Kind() != kind {
			return nil, decodeErr(KindMalformedIdentifier, "%q is not a %s id", id, kind)
		}
		return newToken(LinkPayload{EntityID: id, URL: raw}, FormatURL), nil
	}

	// Record verification links carry opaque record IDs and must not be
	// checked against the entity grammar.
	for t, path := range recordPaths {
		if path != resource {
			continue
		}
		if !validRecordID(id) {
			return nil, decodeErr(KindMalformedIdentifier, "%q is not a valid record id", id)
		}
		switch t {
		case TypeAppointment:
			return newToken(AppointmentPayload{RecordID: id, URL: raw}, FormatURL), nil
		case TypePrescription:
			return newToken(PrescriptionPayload{RecordID: id, URL: raw}, FormatURL), nil
		default:
			return newToken(LabReportPayload{RecordID: id, URL: raw}, FormatURL), nil
		}
	}

	return nil, decodeErr(KindUnknownPayloadShape, "unsupported resource path %q", resource)
}

func (c *Codec) decodeJSON(raw string) (*Token, error) {
	if !json.Valid([]byte(raw)) {
		return nil, decodeErr(KindUnrecognizedFormat, "neither a url nor json")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil || fields == nil {
		return nil, decodeErr(KindUnknownPayloadShape, "json value is not an object")
	}
	p, err := c.payloadFromFields(fields, raw, true)
	if err != nil {
		return nil, err
	}
	return newToken(p, FormatJSON), nil
}

// payloadFromFields dispatches on the "type" tag when present and falls
// back to the untagged shapes earlier clients produced.
func (c *Codec) payloadFromFields(fields map[string]json.RawMessage, raw string, allowTimed bool) (Payload, error) {
	tagRaw, tagged := fields["type"]
	if !tagged {
		return c.legacyPayload(fields, raw, allowTimed)
	}

	var tag string
	if err := json.Unmarshal(tagRaw, &tag); err != nil {
		return nil, decodeErr(KindUnknownPayloadShape, "type tag is not a string")
	}

	switch Type(tag) {
	case TypeLink:
		var w wireLink
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, decodeErr(KindUnknownPayloadShape, "link: %v", err)
		}
		return c.linkFromWire(w.ID, w.URL)
	case TypeEmergency:
		return c.emergencyFromJSON(raw, "")
	case TypeAppointment, TypePrescription, TypeLabReport:
		return c.recordFromJSON(Type(tag), raw)
	case TypeTimeLimited:
		if !allowTimed {
			return nil, decodeErr(KindUnknownPayloadShape, "nested time-limited payload")
		}
		return c.timedFromJSON(raw)
	default:
		return nil, decodeErr(KindUnknownPayloadShape, "unsupported payload type %q", tag)
	}
}

func (c *Codec) legacyPayload(fields map[string]json.RawMessage, raw string, allowTimed bool) (Payload, error) {
	id, hasID := stringField(fields, "uniqueID")
	if !hasID {
		id, hasID = stringField(fields, "id")
	}
	if !hasID {
		return nil, decodeErr(KindUnknownPayloadShape, "missing id")
	}

	var p Payload
	var err error
	switch {
	case present(fields, "blood") || present(fields, "contact"):
		p, err = c.emergencyFromJSON(raw, id)
	case present(fields, "url"):
		u, ok := stringField(fields, "url")
		if !ok {
			return nil, decodeErr(KindUnknownPayloadShape, "url is not a string")
		}
		p, err = c.linkFromWire(id, u)
	case present(fields, "data"):
		d, ok := stringField(fields, "data")
		if !ok {
			return nil, decodeErr(KindUnknownPayloadShape, "data is not a string")
		}
		p, err = c.linkFromWire(id, d)
	default:
		return nil, decodeErr(KindUnknownPayloadShape, "object matches no known payload")
	}
	if err != nil {
		return nil, err
	}

	// Untagged codes may still carry a validity window.
	expRaw, hasExpiry := fields["expires"]
	if !hasExpiry || !allowTimed {
		return p, nil
	}
	expires, err := wireTime(expRaw)
	if err != nil {
		return nil, decodeErr(KindUnknownPayloadShape, "expires: %v", err)
	}
	tl := TimeLimitedPayload{Inner: p, Expires: expires}
	if issRaw, ok := fields["issued"]; ok {
		if tl.Issued, err = wireTime(issRaw); err != nil {
			return nil, decodeErr(KindUnknownPayloadShape, "issued: %v", err)
		}
	}
	return tl, nil
}

// present reports whether key is set to something other than JSON null.
func present(fields map[string]json.RawMessage, key string) bool {
	raw, ok := fields[key]
	return ok && string(bytes.TrimSpace(raw)) != "null"
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	if !present(fields, key) {
		return "", false
	}
	raw := fields[key]
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (c *Codec) linkFromWire(id, link string) (Payload, error) {
	parsed, err := entityid.Parse(id)
	if err != nil {
		return nil, decodeErr(KindMalformedIdentifier, "%q is not a valid entity id", id)
	}
	if link == "" {
		link = c.cfg.entityURL(parsed)
	}
	return LinkPayload{EntityID: id, URL: link}, nil
}

func (c *Codec) emergencyFromJSON(raw, id string) (Payload, error) {
	var w wireEmergency
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, decodeErr(KindUnknownPayloadShape, "emergency: %v", err)
	}
	if id != "" {
		w.ID = id
	}
	if !entityid.IsValid(w.ID) {
		return nil, decodeErr(KindMalformedIdentifier, "%q is not a valid entity id", w.ID)
	}
	if w.Blood == "" && w.Contact == "" {
		return nil, decodeErr(KindUnknownPayloadShape, "emergency card has neither blood group nor contact")
	}
	allergies := []string(w.Allergies)
	if allergies == nil {
		allergies = []string{}
	}
	return EmergencyPayload{
		EntityID:         w.ID,
		Name:             w.Name,
		BloodGroup:       w.Blood,
		EmergencyContact: w.Contact,
		Allergies:        allergies,
	}, nil
}

func (c *Codec) recordFromJSON(t Type, raw string) (Payload, error) {
	var w wireRecord
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, decodeErr(KindUnknownPayloadShape, "%s: %v", t, err)
	}
	if !validRecordID(w.ID) {
		return nil, decodeErr(KindMalformedIdentifier, "%q is not a valid record id", w.ID)
	}
	for _, ref := range []string{w.Subject, w.Actor} {
		if ref != "" && !entityid.IsValid(ref) {
			return nil, decodeErr(KindMalformedIdentifier, "%q is not a valid entity id", ref)
		}
	}
	link := w.URL
	if link == "" {
		link = c.cfg.recordURL(t, w.ID)
	}

	switch t {
	case TypeAppointment:
		return AppointmentPayload{RecordID: w.ID, SubjectID: w.Subject, DoctorID: w.Actor, ScheduledAt: w.At, URL: link}, nil
	case TypePrescription:
		return PrescriptionPayload{RecordID: w.ID, SubjectID: w.Subject, PrescriberID: w.Actor, IssuedOn: w.At, URL: link}, nil
	default:
		return LabReportPayload{RecordID: w.ID, SubjectID: w.Subject, TestName: w.Test, ReportedOn: w.At, URL: link}, nil
	}
}

func (c *Codec) timedFromJSON(raw string) (Payload, error) {
	var w wireTimed
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, decodeErr(KindUnknownPayloadShape, "time-limited: %v", err)
	}
	if w.Expires.IsZero() {
		return nil, decodeErr(KindUnknownPayloadShape, "time-limited payload has no expiry")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(w.Payload, &fields); err != nil || fields == nil {
		return nil, decodeErr(KindUnknownPayloadShape, "time-limited payload has no inner object")
	}
	inner, err := c.payloadFromFields(fields, string(w.Payload), false)
	if err != nil {
		return nil, err
	}
	return TimeLimitedPayload{Inner: inner, Issued: w.Issued, Expires: w.Expires}, nil
}
