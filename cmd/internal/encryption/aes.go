package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"unicode"

	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
)

// AESSuffix is appended on encryption
const AESSuffix = ".aes"

// AES encrypts with a symmetric key in CTR mode, the IV is prepended to the ciphertext
type AES struct {
	key string
	log *slog.Logger
}

type AESConfig struct {
	Key string
}

// NewAES creates a new AES encrypter with the given key.
// The key should be 32 bytes (AES-256)
func NewAES(log *slog.Logger, config *AESConfig) (*AES, error) {
	if config == nil {
		return nil, errors.New("aes encryption requires a config")
	}
	if len(config.Key) != 32 {
		return nil, backuperrors.ConfigurationError{Msg: fmt.Sprintf("key length: %d invalid, must be 32 bytes", len(config.Key))}
	}
	if !isASCII(config.Key) {
		return nil, backuperrors.ConfigurationError{Msg: "key must only contain ascii characters"}
	}

	return &AES{
		log: log,
		key: config.Key,
	}, nil
}

// Encrypt reads cleartext from r and writes iv and ciphertext to w
func (e *AES) Encrypt(r io.Reader, w io.Writer) error {
	block, err := aes.NewCipher([]byte(e.key))
	if err != nil {
		return backuperrors.EncryptionError{Status: statusEncryptFailed, Err: err}
	}

	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return backuperrors.EncryptionError{Status: statusEncryptFailed, Err: err}
	}

	if _, err := w.Write(iv); err != nil {
		return fmt.Errorf("could not pretext iv: %w", err)
	}

	return e.xor(r, w, cipher.NewCTR(block, iv))
}

// Decrypt reads iv and ciphertext from r and writes the cleartext to w
func (e *AES) Decrypt(r io.Reader, w io.Writer) error {
	block, err := aes.NewCipher([]byte(e.key))
	if err != nil {
		return backuperrors.EncryptionError{Status: statusDecryptFailed, Err: err}
	}

	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(r, iv); err != nil {
		return backuperrors.EncryptionError{Status: statusDecryptFailed, Err: fmt.Errorf("unable to read iv: %w", err)}
	}

	return e.xor(r, w, cipher.NewCTR(block, iv))
}

func (e *AES) Extension() string {
	return AESSuffix
}

func (e *AES) xor(r io.Reader, w io.Writer, stream cipher.Stream) error {
	buf := make([]byte, chunkSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			stream.XORKeyStream(buf[:n], buf[:n])
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading from file (%d bytes read): %w", n, err)
		}
	}

	return nil
}

func isASCII(s string) bool {
	for _, c := range s {
		if c > unicode.MaxASCII {
			return false
		}
	}
	return true
}
