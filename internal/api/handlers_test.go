package api

import "testing"

func TestParseOptionalNonNegativeInt(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		fallback int
		want     int
		wantErr  bool
	}{
		{name: "empty uses fallback", raw: "", fallback: 20, want: 20},
		{name: "whitespace uses fallback", raw: "  ", fallback: 5, want: 5},
		{name: "zero is accepted", raw: "0", fallback: 20, want: 0},
		{name: "positive value", raw: "50", fallback: 20, want: 50},
		{name: "negative rejected", raw: "-1", fallback: 20, wantErr: true},
		{name: "non-numeric rejected", raw: "ten", fallback: 20, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseOptionalNonNegativeInt(tc.raw, tc.fallback)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %d", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for %q: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("parseOptionalNonNegativeInt(%q, %d) = %d, want %d", tc.raw, tc.fallback, got, tc.want)
			}
		})
	}
}
