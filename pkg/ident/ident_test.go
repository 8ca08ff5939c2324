package ident

import (
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	id := strings.Repeat("ab", 32)

	npub, err := nip19.EncodePublicKey(pk)
	require.NoError(t, err)
	note, err := nip19.EncodeNote(id)
	require.NoError(t, err)
	nprofile, err := nip19.EncodeProfile(pk, []string{"wss://relay.example.com"})
	require.NoError(t, err)
	nevent, err := nip19.EncodeEvent(id, []string{"wss://relay.example.com"}, pk)
	require.NoError(t, err)
	naddr, err := nip19.EncodeEntity(pk, 30023, "my-article", []string{"wss://relay.example.com"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		input string
		want  Pointer
	}{
		{"npub", npub, Pointer{Kind: TypeProfile, Raw: pk}},
		{"note", note, Pointer{Kind: TypeEvent, Raw: id}},
		{"nostr uri", "nostr:" + note, Pointer{Kind: TypeEvent, Raw: id}},
		{"hex id", strings.ToUpper(id), Pointer{Kind: TypeEvent, Raw: id}},
		{"nprofile", nprofile, Pointer{Kind: TypeProfile, Raw: pk, Relays: []string{"wss://relay.example.com"}}},
		{"nevent", nevent, Pointer{Kind: TypeEvent, Raw: id, Author: pk, Relays: []string{"wss://relay.example.com"}}},
		{"naddr", naddr, Pointer{Kind: TypeAddress, Raw: "my-article", Author: pk, EventKind: 30023, Relays: []string{"wss://relay.example.com"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	nsec, err := nip19.EncodePrivateKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	t.Run("secret key", func(t *testing.T) {
		_, err := Decode(nsec)
		var decErr *DecodeError
		require.ErrorAs(t, err, &decErr)
		assert.ErrorIs(t, err, ErrSecretKey)
	})

	for _, input := range []string{"", "garbage", "npub1invalid", strings.Repeat("zz", 32)} {
		t.Run(input, func(t *testing.T) {
			_, err := Decode(input)
			var decErr *DecodeError
			require.ErrorAs(t, err, &decErr)
			assert.Equal(t, input, decErr.Input)
		})
	}
}

func TestPointerFilter(t *testing.T) {
	t.Run("profile", func(t *testing.T) {
		f := Pointer{Kind: TypeProfile, Raw: "pk"}.Filter()
		assert.Equal(t, []string{"pk"}, f.Authors)
		assert.Empty(t, f.IDs)
	})

	t.Run("event", func(t *testing.T) {
		f := Pointer{Kind: TypeEvent, Raw: "id", Author: "pk"}.Filter()
		assert.Equal(t, []string{"id"}, f.IDs)
		assert.Equal(t, []string{"pk"}, f.Authors)
	})

	t.Run("address", func(t *testing.T) {
		f := Pointer{Kind: TypeAddress, Raw: "slug", Author: "pk", EventKind: 30023}.Filter()
		assert.Equal(t, []int{30023}, f.Kinds)
		assert.Equal(t, []string{"pk"}, f.Authors)
		assert.Equal(t, []string{"slug"}, f.Tags["d"])
	})
}
