package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyLink(t *testing.T) {
	t.Parallel()

	cases := map[string]LinkKind{
		"magnet:?xt=urn:btih:abcdef0123456789&dn=game": LinkKindMagnet,
		"https://store.steampowered.com/app/123":        LinkKindStore,
		"https://www.gog.com/game/foo":                  LinkKindStore,
		"https://example.org/files/game.torrent":        LinkKindTorrent,
		"https://cdn.example.org/game-setup.exe":        LinkKindDirect,
		"https://fuckingfast.co/abc123#game.part1.rar":  LinkKindHoster,
		"https://datanodes.to/xyz/game":                 LinkKindHoster,
	}
	for raw, want := range cases {
		got, ok := ClassifyLink(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got, raw)
	}
}

func TestClassifyLinkRejectsUnusable(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "not a url", "ftp://example.org/a", "magnet:?dn=missing-hash"} {
		_, ok := ClassifyLink(raw)
		require.False(t, ok, raw)
	}
}

func TestStoreLabel(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Steam", StoreLabel("https://store.steampowered.com/app/1"))
	require.Equal(t, "Epic Games", StoreLabel("https://store.epicgames.com/p/x"))
	require.Equal(t, "itch.io", StoreLabel("https://someone.itch.io/game"))
	require.Equal(t, "Humble", StoreLabel("https://www.humblebundle.com/store/x"))
	require.Empty(t, StoreLabel("https://example.org"))
}
