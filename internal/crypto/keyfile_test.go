package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestLoadPrivateKey_EncryptedFile(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyHex := hex.EncodeToString(ethcrypto.FromECDSA(key))

	blob, err := EncryptKey("0x"+keyHex, "hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.json")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	loaded, err := LoadPrivateKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ethcrypto.PubkeyToAddress(loaded.PublicKey) != ethcrypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("expected loaded key to match the original")
	}

	if _, err := LoadPrivateKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "wrong"}); err == nil {
		t.Fatalf("expected wrong password to fail")
	}
}

func TestLoadPrivateKey_Sources(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	keyHex := hex.EncodeToString(ethcrypto.FromECDSA(key))

	tests := []struct {
		name    string
		cfg     KeyConfig
		wantErr bool
	}{
		{"raw with prefix", KeyConfig{RawPrivateKey: "0x" + keyHex}, false},
		{"raw wins over missing file", KeyConfig{RawPrivateKey: keyHex, EncryptedKeyPath: "/nonexistent"}, false},
		{"raw not hex", KeyConfig{RawPrivateKey: "zz"}, true},
		{"nothing configured", KeyConfig{}, true},
		{"missing file", KeyConfig{EncryptedKeyPath: "/nonexistent", KeyPassword: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPrivateKey(tt.cfg)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
