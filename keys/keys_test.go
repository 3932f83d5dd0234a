package keys_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fedmesh/cotrain/keys"
	"github.com/fedmesh/cotrain/types"
)

func TestTransportRoundTrip(t *testing.T) {
	req := require.New(t)

	key, err := keys.Generate()
	req.NoError(err)

	transport, err := key.ExportPublicForTransport()
	req.NoError(err)

	// The transport field accepts no raw newlines or spaces.
	req.NotContains(transport, "\n")
	req.NotContains(transport, " ")
	req.Contains(transport, "BEGIN#PUBLIC#KEY")
	req.Contains(transport, "END#PUBLIC#KEY")

	pub, err := keys.ImportPublicFromTransport(transport)
	req.NoError(err)
	req.True(pub.Equal(key.Public()))
}

func TestImportRejectsGarbage(t *testing.T) {
	_, err := keys.ImportPublicFromTransport("not a key")
	require.Error(t, err)
}

func TestEncryptDecryptShare(t *testing.T) {
	req := require.New(t)

	key, err := keys.Generate()
	req.NoError(err)

	ciphertext, err := keys.EncryptShare(key.Public(), "weights-ref-1")
	req.NoError(err)

	plaintext, err := key.DecryptShare(ciphertext)
	req.NoError(err)
	req.Equal("weights-ref-1", plaintext)
}

func TestDecryptShareErrors(t *testing.T) {
	req := require.New(t)

	key, err := keys.Generate()
	req.NoError(err)

	_, err = key.DecryptShare("!!! not base64 !!!")
	req.ErrorIs(err, types.ErrDecryption)

	// Valid base64 that was never encrypted against this key.
	_, err = key.DecryptShare(strings.Repeat("QUJD", 64))
	req.ErrorIs(err, types.ErrDecryption)
}

func TestSaveLoad(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()

	key, err := keys.Generate()
	req.NoError(err)
	req.NoError(key.Save(dir))

	loaded, err := keys.Load(dir)
	req.NoError(err)
	req.True(loaded.Public().Equal(key.Public()))

	// The reloaded key must decrypt shares encrypted before the restart.
	ciphertext, err := keys.EncryptShare(key.Public(), "survives restart")
	req.NoError(err)
	plaintext, err := loaded.DecryptShare(ciphertext)
	req.NoError(err)
	req.Equal("survives restart", plaintext)
}

func TestLoadMissing(t *testing.T) {
	_, err := keys.Load(t.TempDir())
	require.Error(t, err)
}
