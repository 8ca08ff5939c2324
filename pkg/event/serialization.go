package event

import (
	"fmt"
	"os"

	"github.com/nbd-wtf/go-nostr"
	"gopkg.in/yaml.v3"
)

// Serialization helpers for the relay wire format and for template files.
//
// Events travel as the canonical JSON object with the fields id, pubkey,
// created_at, kind, tags, content and sig. Templates are read from YAML files;
// JSON template files parse as well because JSON is valid YAML.

// Encode converts a signed event to its wire representation.
func Encode(ev *nostr.Event) ([]byte, error) {
	data, err := ev.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// Decode parses a wire event and checks that its id matches its content.
// Signatures are not checked here, use Verify for that.
func Decode(data []byte) (*nostr.Event, error) {
	var ev nostr.Event
	if err := ev.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if id := ev.GetID(); ev.ID != id {
		return nil, fmt.Errorf("event id mismatch: got %q, computed %q", ev.ID, id)
	}

	return &ev, nil
}

// Verify checks both the content-derived id and the signature of an event.
func Verify(ev *nostr.Event) error {
	if id := ev.GetID(); ev.ID != id {
		return fmt.Errorf("event id mismatch: got %q, computed %q", ev.ID, id)
	}

	ok, err := ev.CheckSignature()
	if err != nil {
		return fmt.Errorf("failed to check signature: %w", err)
	}
	if !ok {
		return fmt.Errorf("invalid signature for event %s", ev.ID)
	}

	return nil
}

// ParseTemplate decodes and validates a template document.
func ParseTemplate(data []byte) (*Template, error) {
	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	if err := tmpl.Validate(); err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}

	return &tmpl, nil
}

// LoadTemplate reads a template file from disk.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	return ParseTemplate(data)
}
