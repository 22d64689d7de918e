package entityid

import (
	"errors"
	"testing"
)

func TestIsValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"PAT-20250113-000123-4567", true},
		{"PAT-20250113-00123-4567", true},
		{"PAT-20250113-0123-4567", true},
		{"DOC-20240101-12345-0001", true},
		{"CLN-20231231-999999-9999", true},
		{"PAT-20250113-123-4567", false},
		{"PAT-20250113-1234567-4567", false},
		{"PAT-2025011-000123-4567", false},
		{"PAT-20250113-000123-456", false},
		{"NUR-20250113-000123-4567", false},
		{"pat-20250113-000123-4567", false},
		{" PAT-20250113-000123-4567", false},
		{"PAT-20250113-000123-4567\n", false},
		{"PAT-2025O113-000123-4567", false},
		{"BAD-ID", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsValid(tt.in); got != tt.want {
			t.Errorf("IsValid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	id, err := Parse("DOC-20250113-00042-7788")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Kind() != KindDoctor {
		t.Errorf("expected doctor kind, got %q", id.Kind())
	}
	if id.IssueDate() != "20250113" {
		t.Errorf("expected issue date 20250113, got %q", id.IssueDate())
	}
	if id.Sequence() != "00042" {
		t.Errorf("expected sequence 00042, got %q", id.Sequence())
	}
	if id.Suffix() != "7788" {
		t.Errorf("expected suffix 7788, got %q", id.Suffix())
	}
	if id.String() != "DOC-20250113-00042-7788" {
		t.Errorf("unexpected string form %q", id.String())
	}
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse("BAD-ID")
	if !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}
}

func TestKind_Prefix(t *testing.T) {
	if KindPatient.Prefix() != "PAT" || KindDoctor.Prefix() != "DOC" || KindClinic.Prefix() != "CLN" {
		t.Error("unexpected kind prefixes")
	}
	if Kind("nurse").Prefix() != "" {
		t.Error("expected empty prefix for unknown kind")
	}
}
