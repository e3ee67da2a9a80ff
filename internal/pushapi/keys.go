package pushapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/SherClockHolmes/webpush-go"
)

// KeyPair is the server's VAPID key pair. The public half is handed to
// clients as the notification key; the private half stays on disk.
type KeyPair struct {
	Public  string `json:"public_key"`
	Private string `json:"private_key"`
}

// PublicKey implements KeyProvider.
func (k *KeyPair) PublicKey() string {
	if k == nil {
		return ""
	}
	return k.Public
}

// LoadOrGenerateKeys returns the key pair persisted in dataDir,
// generating and persisting a fresh one on first run. Regenerating the
// pair invalidates every subscription minted against the old public key.
func LoadOrGenerateKeys(dataDir string) (*KeyPair, error) {
	path := filepath.Join(dataDir, "vapid.json")

	data, err := os.ReadFile(path)
	if err == nil {
		var kp KeyPair
		if err := json.Unmarshal(data, &kp); err != nil {
			return nil, fmt.Errorf("parsing key file %s: %w", path, err)
		}
		if kp.Public == "" || kp.Private == "" {
			return nil, fmt.Errorf("key file %s is incomplete", path)
		}
		return &kp, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	private, public, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("generating vapid keys: %w", err)
	}

	kp := KeyPair{Public: public, Private: private}
	out, err := json.MarshalIndent(kp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding key file: %w", err)
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}

	slog.Info("pushapi: generated new vapid key pair", "path", path)
	return &kp, nil
}
