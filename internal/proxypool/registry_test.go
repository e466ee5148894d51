package proxypool

import "testing"

func TestBuildAdapterDefaultsToFake(t *testing.T) {
	a, err := BuildAdapter("")
	if err != nil {
		t.Fatalf("BuildAdapter: %v", err)
	}
	if a.Name() != "fake" {
		t.Fatalf("Name() = %q, want fake", a.Name())
	}
}

func TestBuildAdapterRejectsUnknownName(t *testing.T) {
	if _, err := BuildAdapter("not-a-real-adapter"); err == nil {
		t.Fatal("expected error for unknown adapter name")
	}
}

func TestBuildAdapterKnownNames(t *testing.T) {
	for _, name := range []string{"jhao104", "scylla", "karmenzind", "chenjiandongx"} {
		a, err := BuildAdapter(name)
		if err != nil {
			t.Fatalf("BuildAdapter(%q): %v", name, err)
		}
		if a.Name() != name {
			t.Fatalf("Name() = %q, want %q", a.Name(), name)
		}
	}
}
