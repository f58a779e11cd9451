// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// Unit tests for the configuration store.

package config

import "testing"

// TestReadOnlyBoundsRejectWrites reproduces spec.md §8 scenario S5: the
// RO bound keys reject Set while count.period accepts it.
func TestReadOnlyBoundsRejectWrites(t *testing.T) {
	s := New(100, 10, 10000)

	if err := s.Set("count.period_min", 1); err == nil {
		t.Errorf("expected ErrReadOnly for count.period_min")
	}
	if err := s.Set("count.period_max", 1); err == nil {
		t.Errorf("expected ErrReadOnly for count.period_max")
	}
	if err := s.Set("count.period", 250); err != nil {
		t.Errorf("unexpected error setting count.period: %v", err)
	}
	v, err := s.Get("count.period")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 250 {
		t.Errorf("count.period = %d, want 250", v)
	}
}

func TestSetStringParsesAssignment(t *testing.T) {
	s := New(100, 10, 10000)
	if err := s.SetString("count.period=500"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	v, _ := s.Get("count.period")
	if v != 500 {
		t.Errorf("count.period = %d, want 500", v)
	}
}

func TestSetStringRejectsMalformed(t *testing.T) {
	s := New(100, 10, 10000)
	cases := []string{"noequals", "count.period=", "=500"}
	for _, c := range cases {
		if err := s.SetString(c); err == nil {
			t.Errorf("SetString(%q) expected error", c)
		}
	}
}

func TestUnknownKey(t *testing.T) {
	s := New(100, 10, 10000)
	if _, err := s.Get("bogus.key"); err == nil {
		t.Errorf("expected ErrUnknownKey")
	}
	if err := s.Set("bogus.key", 1); err == nil {
		t.Errorf("expected ErrUnknownKey")
	}
}

func TestKeysSorted(t *testing.T) {
	s := New(100, 10, 10000)
	keys := s.Keys()
	want := []string{"count.period", "count.period_max", "count.period_min"}
	if len(keys) != len(want) {
		t.Fatalf("len(keys) = %d, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}
