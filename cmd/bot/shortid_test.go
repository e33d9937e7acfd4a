package main

import (
	"testing"
	"testing/quick"

	"github.com/google/uuid"
)

func TestShortID_TableDriven(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"len_gt_8_ascii", "1234567890abcdef", "12345678"},
		{"len_eq_8_ascii", "12345678", "12345678"},
		{"len_lt_8_ascii", "abcd", "abcd"},
		{"empty_string", "", ""},
		{"uuid", "3f2b8c1e-9a4d-4e7f-8b1c-2d3e4f5a6b7c", "3f2b8c1e"},
		// 'é' is 2 bytes; the first 8 bytes are four of them.
		{"unicode_multibyte_2bytes", "ééééé", "éééé"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := shortID(tc.in)
			if got != tc.want {
				t.Fatalf("shortID(%q) = %q; want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestShortID_Properties_Quick(t *testing.T) {
	prop := func(s string) bool {
		got := shortID(s)
		if len(s) <= 8 {
			return got == s
		}
		return got == s[:8]
	}
	if err := quick.Check(prop, &quick.Config{MaxCount: 512}); err != nil {
		t.Fatalf("property check failed: %v", err)
	}
}

func TestShortID_CycleIDsAreDistinct(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := shortID(uuid.NewString())
		if seen[id] {
			t.Fatalf("duplicate short cycle id %s", id)
		}
		seen[id] = true
	}
}
