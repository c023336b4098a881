package event

import (
	"net/url"
	"testing"
	"time"
)

func mustURL(t *testing.T, raw string) url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return *u
}

func TestCopyIsIndependent(t *testing.T) {
	subject := "subject-1"
	original := CloudEvent{
		ID:      "event-1",
		Source:  mustURL(t, "urn:occurrent:test"),
		Type:    "SomethingHappened",
		Time:    time.Now(),
		Subject: &subject,
		Data:    []byte("payload"),
		Extensions: map[string]any{
			"streamId": "stream-1",
		},
	}

	copied := original.Copy()
	*copied.Subject = "mutated"
	copied.Data[0] = 'X'
	copied.Extensions["streamId"] = "mutated-stream"

	if *original.Subject != "subject-1" {
		t.Error("mutating the copy's Subject affected the original")
	}
	if original.Data[0] != 'p' {
		t.Error("mutating the copy's Data affected the original")
	}
	if original.Extensions["streamId"] != "stream-1" {
		t.Error("mutating the copy's Extensions affected the original")
	}
}

func TestEqualIgnoresExtensions(t *testing.T) {
	now := time.Now()
	a := CloudEvent{ID: "1", Source: mustURL(t, "urn:a"), Type: "T", Time: now, Data: []byte("x")}
	b := a
	b.Extensions = map[string]any{"streamId": "whatever"}

	if !a.Equal(b) {
		t.Error("expected events differing only in Extensions to be Equal")
	}
}

func TestEqualDetectsDifference(t *testing.T) {
	now := time.Now()
	a := CloudEvent{ID: "1", Source: mustURL(t, "urn:a"), Type: "T", Time: now, Data: []byte("x")}
	b := a
	b.Data = []byte("y")

	if a.Equal(b) {
		t.Error("expected events with different Data to not be Equal")
	}
}

func TestDataDiffProducesMergePatch(t *testing.T) {
	now := time.Now()
	from := CloudEvent{ID: "1", Source: mustURL(t, "urn:a"), Type: "NameDefined", Time: now, Data: []byte(`{"name":"John"}`)}
	to := CloudEvent{ID: "2", Source: mustURL(t, "urn:a"), Type: "NameWasChanged", Time: now, Data: []byte(`{"name":"Jane"}`)}

	diff, err := DataDiff(from, to)
	if err != nil {
		t.Fatalf("DataDiff: %v", err)
	}
	if string(diff) != `{"name":"Jane"}` {
		t.Errorf("unexpected merge patch: %s", diff)
	}
}

func TestParseSourceURLRoundTrips(t *testing.T) {
	u := mustURL(t, "urn:occurrent:bank/account/123")
	parsed, err := ParseSourceURL(u.String())
	if err != nil {
		t.Fatalf("ParseSourceURL: %v", err)
	}
	if parsed.String() != u.String() {
		t.Errorf("round-trip mismatch: got %q, want %q", parsed.String(), u.String())
	}
}
