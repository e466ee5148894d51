package queue

import "testing"

func TestRecordRoundTrip(t *testing.T) {
	r := Record{URL: "/a/b", Retry: 2}
	s, err := r.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := UnmarshalRecord(s)
	if err != nil {
		t.Fatalf("UnmarshalRecord: %v", err)
	}
	if got != r {
		t.Fatalf("got %+v, want %+v", got, r)
	}
}

func TestUnmarshalRecordLegacyBareString(t *testing.T) {
	got, err := UnmarshalRecord("/legacy/path")
	if err != nil {
		t.Fatalf("UnmarshalRecord: %v", err)
	}
	want := Record{URL: "/legacy/path", Retry: 0}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
