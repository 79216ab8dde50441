package runid

import (
	"testing"

	"github.com/google/uuid"
)

func TestUUIDProviderIssuesVersion7Identifiers(t *testing.T) {
	provider := NewUUIDProvider()
	first, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct identifiers, got %s twice", first)
	}
	parsed, err := uuid.Parse(first)
	if err != nil {
		t.Fatalf("expected a uuid, got %q: %v", first, err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
}

func TestStaticProvider(t *testing.T) {
	id, err := Static("run-1").NewID()
	if err != nil || id != "run-1" {
		t.Fatalf("unexpected static id %q %v", id, err)
	}
}
