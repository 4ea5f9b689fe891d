package trailers

import (
	"reflect"
	"testing"
)

func TestParseSingleSignOff(t *testing.T) {
	parsed := Parse("Title\n\nSigned-off-by: A\n")
	want := []Trailer{{Name: "Signed-off-by", Value: "A"}}
	if !reflect.DeepEqual(parsed, want) {
		t.Fatalf("unexpected trailers: %#v", parsed)
	}
}

func TestParseTrailerBlockAfterBody(t *testing.T) {
	message := "Add widget support\n\n" +
		"This adds support for widgets.\n\n" +
		"Closes: https://todo.example.org/~alice/widgets/42\n" +
		"Signed-off-by: Alice <alice@example.org>\n"
	parsed := Parse(message)
	want := []Trailer{
		{Name: "Closes", Value: "https://todo.example.org/~alice/widgets/42"},
		{Name: "Signed-off-by", Value: "Alice <alice@example.org>"},
	}
	if !reflect.DeepEqual(parsed, want) {
		t.Fatalf("unexpected trailers: %#v", parsed)
	}
}

func TestParseMixedBlockBelowRatioYieldsNothing(t *testing.T) {
	// A block mixing non-trailer and trailer-shaped lines is rejected
	// unless a recognized generated prefix is present.
	message := "Title\n\nBody paragraph.\n\n" +
		"not a trailer line\n" +
		"Closes: https://todo.example.org/~alice/widgets/1\n" +
		"Fixes: https://todo.example.org/~alice/widgets/2\n"
	if parsed := Parse(message); parsed != nil {
		t.Fatalf("expected no trailers, got %#v", parsed)
	}
}

func TestParseMixedBlockWithGeneratedPrefix(t *testing.T) {
	// The same mix is accepted once a generated trailer appears.
	message := "Title\n\nBody paragraph.\n\n" +
		"not a trailer line\n" +
		"Closes: https://todo.example.org/~alice/widgets/1\n" +
		"Fixes: https://todo.example.org/~alice/widgets/2\n" +
		"Signed-off-by: Alice <alice@example.org>\n"
	parsed := Parse(message)
	if len(parsed) != 3 {
		t.Fatalf("expected 3 trailers, got %#v", parsed)
	}
	if parsed[0].Name != "Closes" || parsed[2].Name != "Signed-off-by" {
		t.Fatalf("unexpected trailer order: %#v", parsed)
	}
}

func TestParseAllTrailersNoBody(t *testing.T) {
	message := "Title\n\nDepends-on: https://lists.example.org/~bob/dev/patches/7\nAcked-by: B\n"
	parsed := Parse(message)
	want := []Trailer{
		{Name: "Depends-on", Value: "https://lists.example.org/~bob/dev/patches/7"},
		{Name: "Acked-by", Value: "B"},
	}
	if !reflect.DeepEqual(parsed, want) {
		t.Fatalf("unexpected trailers: %#v", parsed)
	}
}

func TestParseContinuationLines(t *testing.T) {
	message := "Title\n\nReviewed-by: Carol\n  over several\n\tlines\nAcked-by: Dave\n"
	parsed := Parse(message)
	if len(parsed) != 2 {
		t.Fatalf("expected 2 trailers, got %#v", parsed)
	}
	wantValue := "Carol\n  over several\n\tlines"
	if parsed[0].Value != wantValue {
		t.Fatalf("unexpected continuation value: %q", parsed[0].Value)
	}
	if parsed[1].Value != "Dave" {
		t.Fatalf("unexpected second trailer: %#v", parsed[1])
	}
}

func TestParseEmptyAndTitleOnlyMessages(t *testing.T) {
	for _, message := range []string{"", "Title only", "Title\n\nJust a body.\n"} {
		if parsed := Parse(message); parsed != nil {
			t.Fatalf("expected no trailers for %q, got %#v", message, parsed)
		}
	}
}

func TestParseCherryPickMarkerCountsAsGenerated(t *testing.T) {
	message := "Title\n\nsome context line\n" +
		"(cherry picked from commit 0123456789abcdef)\n" +
		"Fixes: https://todo.example.org/~alice/widgets/3\n"
	parsed := Parse(message)
	if len(parsed) != 1 {
		t.Fatalf("expected 1 trailer, got %#v", parsed)
	}
	if parsed[0].Name != "Fixes" {
		t.Fatalf("unexpected trailer: %#v", parsed[0])
	}
}
