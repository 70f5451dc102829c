package crypto

import (
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/gluk-w/wagate/internal/database"
)

const settingFernetKey = "fernet_key"

var (
	keyMu  sync.Mutex
	cached *fernet.Key
)

func getKey() (*fernet.Key, error) {
	keyMu.Lock()
	defer keyMu.Unlock()
	if cached != nil {
		return cached, nil
	}

	keyStr, err := database.GetSetting(settingFernetKey)
	if err != nil {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(settingFernetKey, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		cached = &k
		return cached, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	cached = key
	return cached, nil
}

// resetKeyCache forces the next call to reload the key from settings.
func resetKeyCache() {
	keyMu.Lock()
	cached = nil
	keyMu.Unlock()
}

func Encrypt(plaintext string) (string, error) {
	key, err := getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := getKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

// InstanceTokens seals instance tokens with the installation's Fernet key.
type InstanceTokens struct{}

func (InstanceTokens) Seal(plain string) (string, error) { return Encrypt(plain) }
func (InstanceTokens) Open(sealed string) (string, error) { return Decrypt(sealed) }

var _ database.TokenCodec = InstanceTokens{}
