package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials mirrors the on-disk layout used by near-cli under
// ~/.near-credentials/<network>/<account>.json.
type Credentials struct {
	AccountID  string `json:"account_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// LoadCredentials reads a near-cli credentials file and parses the signing key.
func LoadCredentials(path string) (string, *PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read credentials file: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return "", nil, fmt.Errorf("parse credentials file: %w", err)
	}
	if creds.AccountID == "" {
		return "", nil, errors.New("credentials file missing account_id")
	}
	key, err := ParsePrivateKey(creds.PrivateKey)
	if err != nil {
		return "", nil, fmt.Errorf("credentials for %s: %w", creds.AccountID, err)
	}
	if creds.PublicKey != "" && creds.PublicKey != key.PubKey().String() {
		return "", nil, fmt.Errorf("credentials for %s: public key does not match private key", creds.AccountID)
	}
	return creds.AccountID, key, nil
}

// SaveCredentials writes a credentials file in near-cli layout. The parent
// directory is created with 0700 permissions and the file itself with 0600
// since it holds the private key.
func SaveCredentials(path, accountID string, key *PrivateKey) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty credentials path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(Credentials{
		AccountID:  accountID,
		PublicKey:  key.PubKey().String(),
		PrivateKey: key.String(),
	}, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
