package encryption

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEntity(t *testing.T) *openpgp.Entity {
	t.Helper()
	entity, err := openpgp.NewEntity("Backup Operator", "", "backup@example.com", nil)
	require.NoError(t, err)
	return entity
}

func TestAES(t *testing.T) {
	// Key too short
	_, err := NewAES(slog.Default(), &AESConfig{Key: "tooshortkey"})
	require.EqualError(t, err, "invalid configuration: key length: 11 invalid, must be 32 bytes")

	// Key too long
	_, err = NewAES(slog.Default(), &AESConfig{Key: "toolooooooooooooooooooooooooooooooooongkey"})
	require.EqualError(t, err, "invalid configuration: key length: 42 invalid, must be 32 bytes")

	_, err = NewAES(slog.Default(), &AESConfig{Key: "äöüäöüäöüäöüäöüä"})
	require.EqualError(t, err, "invalid configuration: key must only contain ascii characters")

	e, err := NewAES(slog.Default(), &AESConfig{Key: "01234567891234560123456789123456"})
	require.NoError(t, err)

	cleartextInput := []byte("This is the content of the file")

	var encrypted bytes.Buffer
	err = e.Encrypt(bytes.NewReader(cleartextInput), &encrypted)
	require.NoError(t, err)
	require.NotEqual(t, cleartextInput, encrypted.Bytes())

	var cleartext bytes.Buffer
	err = e.Decrypt(&encrypted, &cleartext)
	require.NoError(t, err)
	require.Equal(t, cleartextInput, cleartext.Bytes())

	// Test with 100MB file
	bigBuff := make([]byte, 100000000)
	var bigEncrypted bytes.Buffer
	err = e.Encrypt(bytes.NewReader(bigBuff), &bigEncrypted)
	require.NoError(t, err)

	var bigCleartext bytes.Buffer
	err = e.Decrypt(&bigEncrypted, &bigCleartext)
	require.NoError(t, err)
	require.Equal(t, len(bigBuff), bigCleartext.Len())
}

func TestGPG_RoundTrip(t *testing.T) {
	entity := newTestEntity(t)

	for _, recipient := range []string{"backup@example.com", "BACKUP@example.com", "Backup Operator"} {
		t.Run(recipient, func(t *testing.T) {
			g, err := NewGPG(slog.Default(), &GPGConfig{Recipient: recipient, KeyRing: openpgp.EntityList{entity}})
			require.NoError(t, err)

			input := []byte("precious data")

			var encrypted bytes.Buffer
			err = g.Encrypt(bytes.NewReader(input), &encrypted)
			require.NoError(t, err)
			require.NotContains(t, encrypted.String(), "precious")

			var decrypted bytes.Buffer
			err = g.Decrypt(&encrypted, &decrypted)
			require.NoError(t, err)
			require.Equal(t, input, decrypted.Bytes())
		})
	}
}

func TestGPG_KeyRingFile(t *testing.T) {
	entity := newTestEntity(t)
	fs := afero.NewMemMapFs()

	var pub bytes.Buffer
	w, err := armor.Encode(&pub, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(w))
	require.NoError(t, w.Close())

	require.NoError(t, afero.WriteFile(fs, "/etc/dbbackup/pubring.asc", pub.Bytes(), 0600))

	g, err := NewGPG(slog.Default(), &GPGConfig{Recipient: "backup@example.com", KeyRingFile: "/etc/dbbackup/pubring.asc", FS: fs})
	require.NoError(t, err)

	var encrypted bytes.Buffer
	err = g.Encrypt(bytes.NewReader([]byte("data")), &encrypted)
	require.NoError(t, err)

	md, err := openpgp.ReadMessage(&encrypted, openpgp.EntityList{entity}, nil, nil)
	require.NoError(t, err)
	var decrypted bytes.Buffer
	_, err = decrypted.ReadFrom(md.UnverifiedBody)
	require.NoError(t, err)
	assert.Equal(t, "data", decrypted.String())
}

func TestGPG_Config(t *testing.T) {
	_, err := NewGPG(slog.Default(), &GPGConfig{KeyRingFile: "/nope"})
	var ce backuperrors.ConfigurationError
	require.True(t, errors.As(err, &ce))

	_, err = NewGPG(slog.Default(), &GPGConfig{Recipient: "a@b.c"})
	require.True(t, errors.As(err, &ce))

	_, err = NewGPG(slog.Default(), &GPGConfig{Recipient: "a@b.c", KeyRingFile: "/nope", FS: afero.NewMemMapFs()})
	require.True(t, errors.As(err, &ce))
}

func TestGPG_TrustPolicy(t *testing.T) {
	entity := newTestEntity(t)
	keyID := entity.PrimaryKey.KeyIdString()

	tests := []struct {
		name        string
		recipient   string
		alwaysTrust bool
		wantStatus  string
	}{
		{name: "unknown recipient", recipient: "nobody@example.com", wantStatus: statusNoRecipient},
		{name: "unknown recipient always trust", recipient: "nobody@example.com", alwaysTrust: true, wantStatus: statusNoRecipient},
		{name: "key id without identity binding", recipient: keyID, wantStatus: statusUntrustedKey},
		{name: "key id with always trust", recipient: keyID, alwaysTrust: true},
		{name: "prefixed key id with always trust", recipient: "0x" + keyID, alwaysTrust: true},
		{name: "email", recipient: "backup@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGPG(slog.Default(), &GPGConfig{Recipient: tt.recipient, KeyRing: openpgp.EntityList{entity}, AlwaysTrust: tt.alwaysTrust})
			require.NoError(t, err)

			var out bytes.Buffer
			err = g.Encrypt(bytes.NewReader([]byte("data")), &out)
			if tt.wantStatus == "" {
				require.NoError(t, err)
				return
			}

			var ee backuperrors.EncryptionError
			require.True(t, errors.As(err, &ee), "expected encryption error, got %v", err)
			assert.Equal(t, tt.wantStatus, ee.Status)
		})
	}
}

func TestStage(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	entity := newTestEntity(t)

	g, err := NewGPG(slog.Default(), &GPGConfig{Recipient: "backup@example.com", KeyRing: openpgp.EntityList{entity}})
	require.NoError(t, err)

	stage := NewStage(slog.Default(), fs, g)
	assert.Equal(t, ".gpg", stage.Suffix())

	require.NoError(t, afero.WriteFile(fs, "/tmp/orders.backup.gz", []byte("compressed"), 0600))

	out, err := stage.Apply(ctx, "/tmp/orders.backup.gz")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/orders.backup.gz.gpg", out)

	_, err = fs.Stat("/tmp/orders.backup.gz")
	require.ErrorIs(t, err, os.ErrNotExist, "plaintext must be removed")

	f, err := fs.Open(out)
	require.NoError(t, err)
	defer f.Close()

	var decrypted bytes.Buffer
	require.NoError(t, g.Decrypt(f, &decrypted))
	assert.Equal(t, "compressed", decrypted.String())
}

func TestStage_FailureLeavesNoCiphertext(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	entity := newTestEntity(t)

	g, err := NewGPG(slog.Default(), &GPGConfig{Recipient: "someone-else@example.com", KeyRing: openpgp.EntityList{entity}})
	require.NoError(t, err)

	stage := NewStage(slog.Default(), fs, g)

	require.NoError(t, afero.WriteFile(fs, "dump", []byte("plain"), 0600))

	_, err = stage.Apply(ctx, "dump")
	var ee backuperrors.EncryptionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, statusNoRecipient, ee.Status)

	_, err = fs.Stat("dump.gpg")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestStage_MissingInput(t *testing.T) {
	fs := afero.NewMemMapFs()
	e, err := NewAES(slog.Default(), &AESConfig{Key: "01234567891234560123456789123456"})
	require.NoError(t, err)

	_, err = NewStage(slog.Default(), fs, e).Apply(context.Background(), "missing")
	var ee backuperrors.EncryptionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, statusReadFailed, ee.Status)
}
