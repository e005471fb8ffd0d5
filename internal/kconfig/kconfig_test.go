package kconfig

import "testing"

func TestDefaultLargerThanSmall(t *testing.T) {
	d, s := Default(), Small()
	if d.MaxDevices <= s.MaxDevices ||
		d.MaxProcesses <= s.MaxProcesses ||
		d.MaxThreads <= s.MaxThreads ||
		d.MaxFds <= s.MaxFds ||
		d.MaxChildren <= s.MaxChildren ||
		d.MaxMounts <= s.MaxMounts ||
		d.MaxMacFilters <= s.MaxMacFilters ||
		d.MaxCores <= s.MaxCores ||
		d.PhysPages <= s.PhysPages {
		t.Fatalf("expected every Default() field to exceed Small(): %+v vs %+v", d, s)
	}
	if d.PageSize != s.PageSize {
		t.Fatalf("expected PageSize to match across limit sets, got %d vs %d", d.PageSize, s.PageSize)
	}
}

func TestLimitsAreIndependentInstances(t *testing.T) {
	a := Default()
	b := Default()
	a.MaxDevices = 1
	if b.MaxDevices == 1 {
		t.Fatal("Default() should return a fresh struct each call, not a shared pointer")
	}
}
