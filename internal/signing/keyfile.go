package signing

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PublicSuffix is appended to a private key path to name its public key file.
const PublicSuffix = ".pub"

// SaveKeyPair writes sk to path and its public key to path+PublicSuffix, both hex encoded.
func SaveKeyPair(path string, sk *PrivateKey) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("signing: create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(sk.Bytes())+"\n"), 0o600); err != nil {
		return fmt.Errorf("signing: write private key: %w", err)
	}
	if err := os.WriteFile(path+PublicSuffix, []byte(hex.EncodeToString(sk.Public().Bytes())+"\n"), 0o644); err != nil {
		return fmt.Errorf("signing: write public key: %w", err)
	}
	return nil
}

// LoadPrivateKey reads a private key written by SaveKeyPair.
func LoadPrivateKey(path string) (*PrivateKey, error) {
	b, err := readHexFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(b)
}

// LoadPublicKey reads a public key file. A path without PublicSuffix is taken to
// name the private key and the suffix is added.
func LoadPublicKey(path string) (*PublicKey, error) {
	if !strings.HasSuffix(path, PublicSuffix) {
		path += PublicSuffix
	}
	b, err := readHexFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePublicKey(b)
}

func readHexFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signing: read key file: %w", err)
	}
	b, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKey, path, err)
	}
	return b, nil
}
