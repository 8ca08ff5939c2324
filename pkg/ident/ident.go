// Package ident decodes user-facing references to events, profiles and
// addressable events into query filters.
//
// Accepted inputs are bech32 entities (npub, nprofile, note, nevent, naddr),
// the same prefixed with "nostr:", and bare 64-character hex ids.
package ident

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// Type is the kind of thing a Pointer refers to.
type Type string

const (
	TypeProfile Type = "profile"
	TypeEvent   Type = "event"
	TypeAddress Type = "address"
)

// Pointer is a decoded reference.
//
// Raw is the public key for profiles, the event id for events and the
// d-tag identifier for addresses.
type Pointer struct {
	Kind      Type     `json:"kind"`
	Raw       string   `json:"raw"`
	Relays    []string `json:"relays,omitempty"`
	Author    string   `json:"author,omitempty"`
	EventKind int      `json:"event_kind,omitempty"`
}

// DecodeError reports input that is not a usable reference.
type DecodeError struct {
	Input string
	Err   error
}

// Error implements the error interface
func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid reference %q: %v", e.Input, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ErrSecretKey is returned when a secret key is given where a reference is expected.
var ErrSecretKey = errors.New("secret keys are not references")

// Decode parses encoded into a Pointer.
func Decode(encoded string) (Pointer, error) {
	input := strings.TrimSpace(encoded)
	input = strings.TrimPrefix(input, "nostr:")

	if isHex64(input) {
		return Pointer{Kind: TypeEvent, Raw: strings.ToLower(input)}, nil
	}

	prefix, value, err := nip19.Decode(input)
	if err != nil {
		return Pointer{}, &DecodeError{Input: encoded, Err: err}
	}

	switch prefix {
	case "nsec":
		return Pointer{}, &DecodeError{Input: encoded, Err: ErrSecretKey}
	case "npub":
		if pk, ok := value.(string); ok {
			return Pointer{Kind: TypeProfile, Raw: pk}, nil
		}
	case "note":
		if id, ok := value.(string); ok {
			return Pointer{Kind: TypeEvent, Raw: id}, nil
		}
	}

	switch v := value.(type) {
	case nostr.ProfilePointer:
		return fromProfile(&v), nil
	case *nostr.ProfilePointer:
		return fromProfile(v), nil
	case nostr.EventPointer:
		return fromEvent(&v), nil
	case *nostr.EventPointer:
		return fromEvent(v), nil
	case nostr.EntityPointer:
		return fromEntity(&v), nil
	case *nostr.EntityPointer:
		return fromEntity(v), nil
	}

	return Pointer{}, &DecodeError{Input: encoded, Err: fmt.Errorf("unsupported prefix %q", prefix)}
}

func fromProfile(p *nostr.ProfilePointer) Pointer {
	return Pointer{Kind: TypeProfile, Raw: p.PublicKey, Relays: p.Relays}
}

func fromEvent(p *nostr.EventPointer) Pointer {
	return Pointer{Kind: TypeEvent, Raw: p.ID, Relays: p.Relays, Author: p.Author, EventKind: p.Kind}
}

func fromEntity(p *nostr.EntityPointer) Pointer {
	return Pointer{Kind: TypeAddress, Raw: p.Identifier, Relays: p.Relays, Author: p.PublicKey, EventKind: p.Kind}
}

// Filter returns the query that selects what the pointer refers to.
func (p Pointer) Filter() nostr.Filter {
	switch p.Kind {
	case TypeProfile:
		return nostr.Filter{Authors: []string{p.Raw}}
	case TypeAddress:
		return nostr.Filter{
			Kinds:   []int{p.EventKind},
			Authors: []string{p.Author},
			Tags:    nostr.TagMap{"d": []string{p.Raw}},
		}
	default:
		f := nostr.Filter{IDs: []string{p.Raw}}
		if p.Author != "" {
			f.Authors = []string{p.Author}
		}
		return f
	}
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
