package encryption

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
	"github.com/spf13/afero"
)

const (
	// GPGSuffix is appended to the name of an OpenPGP encrypted artifact
	GPGSuffix = ".gpg"

	statusNoRecipient   = "NO_RECIPIENT"
	statusUntrustedKey  = "UNTRUSTED_KEY"
	statusUnusableKey   = "UNUSABLE_KEY"
	statusEncryptFailed = "ENCRYPT_FAILED"
	statusDecryptFailed = "DECRYPT_FAILED"

	chunkSize = 1024 * 1024
)

// GPG encrypts for a single recipient of an OpenPGP keyring
type GPG struct {
	log         *slog.Logger
	keyring     openpgp.EntityList
	recipient   string
	alwaysTrust bool
	now         func() time.Time
}

// GPGConfig configures the GPG encrypter
type GPGConfig struct {
	// Recipient is an email address, a user id name or a (short) key id / fingerprint in hex
	Recipient string
	// KeyRing takes precedence over KeyRingFile
	KeyRing openpgp.EntityList
	// KeyRingFile is an armored keyring
	KeyRingFile string
	// AlwaysTrust accepts any usable key of the recipient, otherwise the recipient must match a validly self-signed identity
	AlwaysTrust bool
	FS          afero.Fs
}

// NewGPG returns an OpenPGP encrypter
func NewGPG(log *slog.Logger, config *GPGConfig) (*GPG, error) {
	if config == nil {
		return nil, errors.New("gpg encryption requires a config")
	}
	if config.Recipient == "" {
		return nil, backuperrors.ConfigurationError{Msg: "gpg recipient must not be empty"}
	}
	if config.FS == nil {
		config.FS = afero.NewOsFs()
	}

	keyring := config.KeyRing
	if len(keyring) == 0 {
		if config.KeyRingFile == "" {
			return nil, backuperrors.ConfigurationError{Msg: "gpg keyring must be configured"}
		}

		f, err := config.FS.Open(config.KeyRingFile)
		if err != nil {
			return nil, backuperrors.ConfigurationError{Msg: "gpg keyring not readable", Err: err}
		}
		defer func() {
			_ = f.Close()
		}()

		keyring, err = openpgp.ReadArmoredKeyRing(f)
		if err != nil {
			return nil, backuperrors.ConfigurationError{Msg: "gpg keyring invalid", Err: err}
		}
	}

	return &GPG{
		log:         log,
		keyring:     keyring,
		recipient:   config.Recipient,
		alwaysTrust: config.AlwaysTrust,
		now:         time.Now,
	}, nil
}

func (g *GPG) Extension() string {
	return GPGSuffix
}

// Encrypt writes an OpenPGP message for the recipient containing r to w
func (g *GPG) Encrypt(r io.Reader, w io.Writer) error {
	entity, err := g.lookupRecipient()
	if err != nil {
		return err
	}

	g.log.Debug("encrypting for recipient", "recipient", g.recipient, "key", entity.PrimaryKey.KeyIdString())

	plaintext, err := openpgp.Encrypt(w, []*openpgp.Entity{entity}, nil, &openpgp.FileHints{IsBinary: true}, nil)
	if err != nil {
		return backuperrors.EncryptionError{Status: statusEncryptFailed, Err: err}
	}

	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(plaintext, r, buf); err != nil {
		_ = plaintext.Close()
		return backuperrors.EncryptionError{Status: statusEncryptFailed, Err: err}
	}

	if err := plaintext.Close(); err != nil {
		return backuperrors.EncryptionError{Status: statusEncryptFailed, Err: err}
	}

	return nil
}

// Decrypt requires the private key of the recipient to be present in the keyring
func (g *GPG) Decrypt(r io.Reader, w io.Writer) error {
	md, err := openpgp.ReadMessage(r, g.keyring, nil, nil)
	if err != nil {
		return backuperrors.EncryptionError{Status: statusDecryptFailed, Err: err}
	}

	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(w, md.UnverifiedBody, buf); err != nil {
		return backuperrors.EncryptionError{Status: statusDecryptFailed, Err: err}
	}

	return nil
}

func (g *GPG) lookupRecipient() (*openpgp.Entity, error) {
	now := g.now()

	for _, entity := range g.keyring {
		identityMatch := g.matchesIdentity(entity)
		keyMatch := g.matchesKeyID(entity)

		if !identityMatch && !keyMatch {
			continue
		}

		if !g.alwaysTrust {
			if !identityMatch {
				return nil, backuperrors.EncryptionError{
					Status: statusUntrustedKey,
					Err:    fmt.Errorf("recipient %q is not bound to a user id of key %s", g.recipient, entity.PrimaryKey.KeyIdString()),
				}
			}
			if !g.trusted(entity, now) {
				return nil, backuperrors.EncryptionError{
					Status: statusUntrustedKey,
					Err:    fmt.Errorf("identity of key %s is expired or revoked", entity.PrimaryKey.KeyIdString()),
				}
			}
		}

		if _, ok := entity.EncryptionKey(now); !ok {
			return nil, backuperrors.EncryptionError{
				Status: statusUnusableKey,
				Err:    fmt.Errorf("key %s has no usable encryption key", entity.PrimaryKey.KeyIdString()),
			}
		}

		return entity, nil
	}

	return nil, backuperrors.EncryptionError{
		Status: statusNoRecipient,
		Err:    fmt.Errorf("no key for recipient %q in keyring", g.recipient),
	}
}

func (g *GPG) matchesIdentity(entity *openpgp.Entity) bool {
	for _, ident := range entity.Identities {
		if ident.UserId == nil {
			continue
		}
		if strings.EqualFold(ident.UserId.Email, g.recipient) || ident.UserId.Name == g.recipient || ident.Name == g.recipient {
			return true
		}
	}
	return false
}

func (g *GPG) matchesKeyID(entity *openpgp.Entity) bool {
	id := strings.ToUpper(strings.TrimPrefix(strings.ReplaceAll(g.recipient, " ", ""), "0x"))
	if len(id) < 8 {
		return false
	}
	if _, err := hex.DecodeString(id); err != nil {
		return false
	}
	fingerprint := strings.ToUpper(hex.EncodeToString(entity.PrimaryKey.Fingerprint))
	return strings.HasSuffix(fingerprint, id)
}

func (g *GPG) trusted(entity *openpgp.Entity, now time.Time) bool {
	if len(entity.Revocations) > 0 {
		return false
	}
	for _, ident := range entity.Identities {
		if ident.UserId == nil || ident.SelfSignature == nil {
			continue
		}
		if !strings.EqualFold(ident.UserId.Email, g.recipient) && ident.UserId.Name != g.recipient && ident.Name != g.recipient {
			continue
		}
		if len(ident.Revocations) > 0 || ident.SelfSignature.SigExpired(now) {
			continue
		}
		return true
	}
	return false
}
