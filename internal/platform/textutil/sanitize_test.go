package textutil

import "testing"

func TestSanitizePlainText(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		maxRunes int
		want     string
	}{
		{name: "strips markup", input: "  <b>Broken</b> zipper ", want: "Broken zipper"},
		{name: "composes to NFC", input: "Cafe\u0301", want: "Caf\u00e9"},
		{name: "truncates by rune", input: "Hàng lỗi", maxRunes: 4, want: "Hàng"},
		{name: "empty stays empty", input: "   ", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizePlainText(tc.input, tc.maxRunes); got != tc.want {
				t.Fatalf("expected %q got %q", tc.want, got)
			}
		})
	}
}

func TestNormalizeCurrency(t *testing.T) {
	if code, ok := NormalizeCurrency(" vnd "); !ok || code != "VND" {
		t.Fatalf("expected VND, got %q ok=%v", code, ok)
	}
	if _, ok := NormalizeCurrency("zzz"); ok {
		t.Fatalf("expected unknown currency to fail")
	}
}
