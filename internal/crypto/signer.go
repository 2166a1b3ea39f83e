package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// KeySigner signs with an in-memory secp256k1 key. It is only ever called
// from the SigningActor's worker goroutine.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner wraps key.
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
	}
}

// Address returns the wallet address of the key.
func (s *KeySigner) Address() common.Address {
	return s.address
}

// SignTypedData signs the EIP-712 digest of td.
func (s *KeySigner) SignTypedData(td apitypes.TypedData) (string, error) {
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: hash typed data: %w", err)
	}
	return s.signDigest(digest)
}

// SignMessage signs msg with the personal-message prefix.
func (s *KeySigner) SignMessage(msg []byte) (string, error) {
	return s.signDigest(accounts.TextHash(msg))
}

// signDigest returns the hex signature r || s || v with v in {27, 28}.
func (s *KeySigner) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

var _ Backend = (*KeySigner)(nil)
