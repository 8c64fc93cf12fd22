// Package flashbots provides methods for creating and parsing the X-Flashbots-Signature header.
//
// The header has the form `<address>:<signature>`, where signature is an
// EIP-191 personal signature over the hex encoded keccak256 hash of the body.
package flashbots

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const SignatureHeader = "X-Flashbots-Signature"

var (
	ErrNoSignature      = errors.New("no signature provided")
	ErrInvalidSignature = errors.New("invalid signature provided")
)

func bodyHash(body []byte) []byte {
	return accounts.TextHash([]byte(crypto.Keccak256Hash(body).Hex()))
}

// SignBody returns the header value authenticating body as sent by key.
func SignBody(body []byte, key *ecdsa.PrivateKey) (string, error) {
	signature, err := crypto.Sign(bodyHash(body), key)
	if err != nil {
		return "", err
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	return address.Hex() + ":" + hexutil.Encode(signature), nil
}

// ParseSignature verifies header against body and returns the signing address.
func ParseSignature(header string, body []byte) (common.Address, error) {
	if header == "" {
		return common.Address{}, ErrNoSignature
	}

	splitSig := strings.Split(header, ":")
	if len(splitSig) != 2 {
		return common.Address{}, ErrInvalidSignature
	}

	return VerifySignature(body, splitSig[0], splitSig[1])
}

func VerifySignature(body []byte, signingAddressStr, signatureStr string) (common.Address, error) {
	if !common.IsHexAddress(signingAddressStr) {
		return common.Address{}, fmt.Errorf("%w: malformed signing address", ErrInvalidSignature)
	}

	signature, err := hexutil.Decode(signatureStr)
	if err != nil || len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}

	// wallets sign with a recovery id of 27/28
	if signature[crypto.RecoveryIDOffset] >= 27 {
		signature[crypto.RecoveryIDOffset] -= 27
	}

	messageHash := bodyHash(body)
	signaturePublicKeyBytes, err := crypto.Ecrecover(messageHash, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	publicKey, err := crypto.UnmarshalPubkey(signaturePublicKeyBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	signer := crypto.PubkeyToAddress(*publicKey)

	if signer != common.HexToAddress(signingAddressStr) {
		return common.Address{}, fmt.Errorf("%w: signing address mismatch", ErrInvalidSignature)
	}

	signatureNoRecoverID := signature[:crypto.RecoveryIDOffset]
	if !crypto.VerifySignature(signaturePublicKeyBytes, messageHash, signatureNoRecoverID) {
		return common.Address{}, fmt.Errorf("%w: verification failed", ErrInvalidSignature)
	}

	return signer, nil
}
