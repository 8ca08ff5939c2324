package filter

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/dyluth/herald/internal/timespec"
	"github.com/dyluth/herald/pkg/ident"
)

// Criteria defines query criteria collected from command-line flags.
// All criteria are ANDed together - an event must match ALL of them.
type Criteria struct {
	Ref     string   // bech32 or hex reference, empty = no reference
	Kinds   []int    // event kinds, empty = any
	Authors []string // npub or hex public keys, empty = any
	Since   string   // time specification, empty = no lower bound
	Until   string   // time specification, empty = no upper bound
	Limit   int      // per-relay result limit, 0 = relay default
}

// HasFilters returns true if any criteria are active.
func (c *Criteria) HasFilters() bool {
	return c.Ref != "" ||
		len(c.Kinds) > 0 ||
		len(c.Authors) > 0 ||
		c.Since != "" ||
		c.Until != ""
}

// Filter converts the criteria into a relay query. The reference, when
// given, seeds the filter; flags then narrow it.
func (c *Criteria) Filter() (nostr.Filter, error) {
	var f nostr.Filter

	if c.Ref != "" {
		ptr, err := ident.Decode(c.Ref)
		if err != nil {
			return nostr.Filter{}, err
		}
		f = ptr.Filter()
	}

	if len(c.Kinds) > 0 {
		f.Kinds = append([]int(nil), c.Kinds...)
	}

	if len(c.Authors) > 0 {
		authors := make([]string, 0, len(c.Authors))
		for _, a := range c.Authors {
			pk, err := PublicKey(a)
			if err != nil {
				return nostr.Filter{}, err
			}
			authors = append(authors, pk)
		}
		f.Authors = authors
	}

	since, until, err := timespec.ParseRange(c.Since, c.Until)
	if err != nil {
		return nostr.Filter{}, err
	}
	f.Since = since
	f.Until = until

	if c.Limit < 0 {
		return nostr.Filter{}, fmt.Errorf("--limit must be >= 0, got %d", c.Limit)
	}
	f.Limit = c.Limit

	return f, nil
}

// PublicKey accepts an npub, nprofile or hex public key and returns hex.
func PublicKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) == 64 {
		if _, err := hex.DecodeString(s); err == nil {
			return strings.ToLower(s), nil
		}
	}

	ptr, err := ident.Decode(s)
	if err != nil {
		return "", err
	}
	if ptr.Kind != ident.TypeProfile {
		return "", fmt.Errorf("invalid author %q: not a public key", s)
	}
	return ptr.Raw, nil
}
