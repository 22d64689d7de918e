package scanaudit

import (
	"context"
	"time"
)

// Query filters the access trail. Zero fields match everything; Since is
// inclusive and Until exclusive. Patient matches entries whose code is the
// patient's own or was issued for them.
type Query struct {
	QRID      string
	Patient   string
	ScannedBy string
	SessionID string
	Outcome   Outcome
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Reader lists access-trail entries, newest first.
type Reader interface {
	List(ctx context.Context, q Query) ([]Entry, error)
}

// Matches reports whether e satisfies every filter in q.
func (q Query) Matches(e *Entry) bool {
	switch {
	case q.QRID != "" && e.QRID != q.QRID:
		return false
	case q.Patient != "" && e.QRID != q.Patient && e.SubjectID != q.Patient:
		return false
	case q.ScannedBy != "" && e.ScannedBy != q.ScannedBy:
		return false
	case q.SessionID != "" && e.SessionID != q.SessionID:
		return false
	case q.Outcome != "" && e.Outcome != q.Outcome:
		return false
	case !q.Since.IsZero() && e.ScanTime.Before(q.Since):
		return false
	case !q.Until.IsZero() && !e.ScanTime.Before(q.Until):
		return false
	}
	return true
}
