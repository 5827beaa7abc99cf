package main

import (
	"path/filepath"
	"testing"
)

func TestResolveTarget(t *testing.T) {
	t.Run("explicit target resolves to absolute", func(t *testing.T) {
		got, err := resolveTarget([]string{"payments-api"})
		if err != nil {
			t.Fatalf("resolveTarget() error = %v", err)
		}
		if !filepath.IsAbs(got) {
			t.Errorf("resolveTarget() = %q, want absolute path", got)
		}
		if filepath.Base(got) != "payments-api" {
			t.Errorf("resolveTarget() = %q, want basename payments-api", got)
		}
	})

	t.Run("absolute target unchanged", func(t *testing.T) {
		got, err := resolveTarget([]string{"/repos/payments-api"})
		if err != nil {
			t.Fatalf("resolveTarget() error = %v", err)
		}
		if got != "/repos/payments-api" {
			t.Errorf("resolveTarget() = %q, want /repos/payments-api", got)
		}
	})

	t.Run("no args defaults to working directory", func(t *testing.T) {
		got, err := resolveTarget(nil)
		if err != nil {
			t.Fatalf("resolveTarget() error = %v", err)
		}
		if !filepath.IsAbs(got) {
			t.Errorf("resolveTarget() = %q, want absolute path", got)
		}
	})
}

func TestWinsToInt64(t *testing.T) {
	if got := winsToInt64(nil); got != nil {
		t.Errorf("winsToInt64(nil) = %v, want nil", got)
	}
	if got := winsToInt64(map[string]int{}); got != nil {
		t.Errorf("winsToInt64(empty) = %v, want nil", got)
	}

	got := winsToInt64(map[string]int{"primary": 4, "refiner": 2})
	if got["primary"] != 4 || got["refiner"] != 2 {
		t.Errorf("winsToInt64() = %v, want primary 4 refiner 2", got)
	}
}
