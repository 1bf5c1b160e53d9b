package phonenum

import "testing"

func TestNormalizeVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "canonical mobile", in: "5511987654321", want: "5511987654321"},
		{name: "canonical landline", in: "551133334444", want: "551133334444"},
		{name: "local mobile", in: "11987654321", want: "5511987654321"},
		{name: "legacy without nine", in: "1187654321", want: "5511987654321"},
		{name: "formatted", in: "+55 (11) 98765-4321", want: "5511987654321"},
		{name: "local with punctuation", in: "(11) 8765-4321", want: "5511987654321"},
		{name: "area code 55", in: "55999998888", want: "5555999998888"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if err != nil {
				t.Fatalf("Normalize(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()
	inputs := []string{"5511987654321", "11987654321", "1187654321", "+55 11 98765-4321", "55999998888"}
	for _, in := range inputs {
		once, err := Normalize(in)
		if err != nil {
			t.Fatalf("Normalize(%q) error: %v", in, err)
		}
		twice, err := Normalize(once)
		if err != nil {
			t.Fatalf("Normalize(Normalize(%q)) error: %v", in, err)
		}
		if once != twice {
			t.Fatalf("not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestNormalizeRejects(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "no digits", "98765432", "123", "55119876543210999"} {
		if _, err := Normalize(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}
