package qrtoken

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Compact JSON shapes placed inside self-contained QR codes. Field names are
// short to keep QR density low.

type wireLink struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	URL  string `json:"url,omitempty"`
}

type wireEmergency struct {
	Type      string      `json:"type,omitempty"`
	ID        string      `json:"id"`
	Name      string      `json:"name,omitempty"`
	Blood     string      `json:"blood"`
	Contact   string      `json:"contact"`
	Allergies allergyList `json:"allergies"`
}

type wireRecord struct {
	Type    string     `json:"type"`
	ID      string     `json:"id"`
	Subject string     `json:"subject,omitempty"`
	Actor   string     `json:"actor,omitempty"`
	Test    string     `json:"test,omitempty"`
	At      *time.Time `json:"at,omitempty"`
	URL     string     `json:"url,omitempty"`
}

type wireTimed struct {
	Type    string          `json:"type"`
	Issued  time.Time       `json:"issued"`
	Expires time.Time       `json:"expires"`
	Payload json.RawMessage `json:"payload"`
}

// allergyList accepts either a JSON array of strings or a single
// comma-separated string, which older emergency cards used.
type allergyList []string

func (a *allergyList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*a = allergyList{}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*a = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return fmt.Errorf("allergies must be a string or list of strings")
	}
	out := allergyList{}
	for _, part := range strings.Split(joined, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*a = out
	return nil
}

// wireTime parses timestamps written either as RFC 3339 strings or as epoch
// milliseconds.
func wireTime(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("timestamp must be RFC 3339 or epoch milliseconds")
	}
	return time.UnixMilli(ms).UTC(), nil
}

// toWire converts a non-wrapped payload to its JSON object form.
func toWire(p Payload) (any, error) {
	switch v := p.(type) {
	case LinkPayload:
		return wireLink{Type: string(TypeLink), ID: v.EntityID, URL: v.URL}, nil
	case EmergencyPayload:
		allergies := allergyList(v.Allergies)
		if allergies == nil {
			allergies = allergyList{}
		}
		return wireEmergency{
			Type:      string(TypeEmergency),
			ID:        v.EntityID,
			Name:      v.Name,
			Blood:     v.BloodGroup,
			Contact:   v.EmergencyContact,
			Allergies: allergies,
		}, nil
	case AppointmentPayload:
		return wireRecord{Type: string(TypeAppointment), ID: v.RecordID, Subject: v.SubjectID, Actor: v.DoctorID, At: v.ScheduledAt, URL: v.URL}, nil
	case PrescriptionPayload:
		return wireRecord{Type: string(TypePrescription), ID: v.RecordID, Subject: v.SubjectID, Actor: v.PrescriberID, At: v.IssuedOn, URL: v.URL}, nil
	case LabReportPayload:
		return wireRecord{Type: string(TypeLabReport), ID: v.RecordID, Subject: v.SubjectID, Test: v.TestName, At: v.ReportedOn, URL: v.URL}, nil
	default:
		return nil, fmt.Errorf("qrtoken: cannot embed %T in a time-limited token", p)
	}
}
