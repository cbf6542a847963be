package services

import (
	"errors"
	"math"
	"testing"
)

func TestComputeExchangeDifference(t *testing.T) {
	cases := []struct {
		name   string
		orig   int64
		qty    int
		target int64
		want   int64
	}{
		{name: "upgrade", orig: 1000000, qty: 1, target: 1200000, want: 200000},
		{name: "downgrade", orig: 1000000, qty: 1, target: 800000, want: -200000},
		{name: "same price", orig: 450000, qty: 1, target: 450000, want: 0},
		{name: "multiple units", orig: 250000, qty: 2, target: 600000, want: 100000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ComputeExchangeDifference(tc.orig, tc.qty, tc.target)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestComputeExchangeDifferenceRejectsInvalidInput(t *testing.T) {
	cases := map[string]func() (int64, error){
		"negative original": func() (int64, error) { return ComputeExchangeDifference(-1, 1, 10) },
		"negative target":   func() (int64, error) { return ComputeExchangeDifference(10, 1, -1) },
		"zero quantity":     func() (int64, error) { return ComputeExchangeDifference(10, 0, 10) },
		"overflow":          func() (int64, error) { return ComputeExchangeDifference(math.MaxInt64, 3, 0) },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := fn(); !errors.Is(err, ErrReturnInvalidRequest) {
				t.Fatalf("expected invalid request, got %v", err)
			}
		})
	}
}
