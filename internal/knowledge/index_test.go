package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kb = `
documents:
  - id: vpn
    title: VPN
    text: |
      Users who cannot connect to the VPN should restart the client.

      Certificate expiry causes VPN handshake failures after renewal.
  - id: printer
    title: Printer
    text: |
      Printer jams are cleared from tray two.
  - id: billing
    text: |
      Refunds are processed within five business days.
`

func TestParse_SplitsParagraphs(t *testing.T) {
	idx, err := Parse([]byte(kb))
	require.NoError(t, err)
	assert.Equal(t, 4, idx.Len())
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("documents: [{title: x, text: y}]"))
	assert.Error(t, err)

	_, err = Parse([]byte("documents: [{id: a, text: y}, {id: a, text: z}]"))
	assert.Error(t, err)

	_, err = Parse([]byte("documents: {"))
	assert.Error(t, err)
}

func TestRetrieve_RanksByCosine(t *testing.T) {
	idx, err := Parse([]byte(kb))
	require.NoError(t, err)

	got, err := idx.Retrieve(context.Background(), "VPN certificate handshake failing", 3)
	require.NoError(t, err)
	require.NotEmpty(t, got)

	assert.Equal(t, "vpn#2", got[0].ID)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
	for _, p := range got {
		assert.Greater(t, p.Score, 0.0)
		assert.LessOrEqual(t, p.Score, 1.0)
		assert.NotEqual(t, "billing#1", p.ID, "passages without shared terms are dropped")
	}
}

func TestRetrieve_Bounds(t *testing.T) {
	idx, err := Parse([]byte(kb))
	require.NoError(t, err)

	got, err := idx.Retrieve(context.Background(), "vpn", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = idx.Retrieve(context.Background(), "vpn", 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = idx.Retrieve(context.Background(), "?!", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieve_CancelledContext(t *testing.T) {
	idx, err := Parse([]byte(kb))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = idx.Retrieve(ctx, "vpn", 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(kb), 0o600))

	idx, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, idx.Len())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEmpty(t *testing.T) {
	got, err := Empty().Retrieve(context.Background(), "anything", 4)
	assert.NoError(t, err)
	assert.Empty(t, got)
}
