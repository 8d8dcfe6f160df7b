package util

import "testing"

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{name: "no truncation", in: "hello", max: 10, want: "hello"},
		{name: "ascii truncation", in: "helloworld", max: 5, want: "hello…"},
		{name: "multibyte truncation", in: "こんにちは世界", max: 4, want: "こんにち…"},
		{name: "no limit", in: "helloworld", max: 0, want: "helloworld"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := TruncateRunes(tt.in, tt.max); got != tt.want {
				t.Fatalf("TruncateRunes(%q,%d)=%q want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}
}

func TestFirstLine(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                       "",
		"single":                 "single",
		"\n\n  second block \nx": "second block",
		"   \n\t\n":              "",
	}
	for in, want := range tests {
		if got := FirstLine(in); got != want {
			t.Errorf("FirstLine(%q)=%q want %q", in, got, want)
		}
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		max  int
		want string
	}{
		{in: "station offline", max: 40, want: "station offline"},
		{in: "station offline\ntraceback follows", max: 40, want: "station offline …"},
		{in: "a very long failure message", max: 6, want: "a very…"},
	}
	for _, tt := range tests {
		if got := Summarize(tt.in, tt.max); got != tt.want {
			t.Errorf("Summarize(%q,%d)=%q want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
