package hyperliquid

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vmihailenco/msgpack/v5"
)

// L1 actions are signed as an "Agent" struct in a fixed phantom domain.
const agentChainID = 1337

// actionHash is keccak256(msgpack(action) || nonce as big-endian u64 ||
// vault flag [|| vault address]).
func actionHash(action any, nonce int64, vault string) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(action); err != nil {
		return nil, fmt.Errorf("msgpack action: %w", err)
	}

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(nonce))
	buf.Write(n[:])

	if vault == "" {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
		buf.Write(common.HexToAddress(vault).Bytes())
	}
	return ethcrypto.Keccak256(buf.Bytes()), nil
}

func agentTypedData(source string, connectionHash []byte) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionHash", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(agentChainID),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: apitypes.TypedDataMessage{
			"source":         source,
			"connectionHash": "0x" + hex.EncodeToString(connectionHash),
		},
	}
}

func (c *Client) signAction(ctx context.Context, action any, nonce int64) (signatureWire, error) {
	hash, err := actionHash(action, nonce, "")
	if err != nil {
		return signatureWire{}, err
	}
	source := "a"
	if c.cfg.Testnet {
		source = "b"
	}
	sig, err := c.signer.SignTypedData(ctx, agentTypedData(source, hash))
	if err != nil {
		return signatureWire{}, fmt.Errorf("sign action: %w", err)
	}
	return splitSignature(sig)
}

// splitSignature turns a 65-byte hex signature into its r, s, v parts.
func splitSignature(sig string) (signatureWire, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return signatureWire{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(b) != 65 {
		return signatureWire{}, fmt.Errorf("signature must be 65 bytes, got %d", len(b))
	}
	v := int(b[64])
	if v < 27 {
		v += 27
	}
	return signatureWire{
		R: "0x" + hex.EncodeToString(b[:32]),
		S: "0x" + hex.EncodeToString(b[32:64]),
		V: v,
	}, nil
}
