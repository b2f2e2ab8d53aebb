package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
)

const (
	eip191Prefix = "\x19Ethereum Signed Message:\n"
)

// Signer produces the owner signature a smart account validates. Remote signers (KMS, an
// HSM) satisfy the same interface.
type Signer interface {
	Address() common.Address
	SignUserOp(ctx context.Context, opHash common.Hash) ([]byte, error)
}

type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func FromPrivateKeyHex(privateKeyHex string) (*LocalSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, err
	}
	return NewLocalSigner(privateKey), nil
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

// SignUserOp signs the operation hash the way SimpleAccount and Coinbase Smart Wallet
// validate it: an EIP191 personal message over the 32 byte hash.
func (s *LocalSigner) SignUserOp(ctx context.Context, opHash common.Hash) ([]byte, error) {
	sig, err := SignMessage(s.key, opHash.Bytes())
	if err != nil {
		return nil, relayerr.New(relayerr.KindEncoding, relayerr.StageSign, "cannot sign operation", err)
	}

	signer, err := RecoverMessage(opHash.Bytes(), sig)
	if err != nil || signer != s.address {
		return nil, relayerr.New(relayerr.KindEncoding, relayerr.StageSign, "signature does not recover to the owner", err)
	}
	return sig, nil
}

// Generate EIP191 signature
func SignMessage(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	sig, e := crypto.Sign(messageHash(data).Bytes(), key)
	if e != nil {
		return nil, e
	}
	// https://stackoverflow.com/questions/69762108/implementing-ethereum-personal-sign-eip-191-from-go-ethereum-gives-different-s
	sig[64] += 27

	return sig, nil
}

// RecoverMessage returns the address that produced an EIP191 signature over data.
func RecoverMessage(data []byte, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	normalized := append([]byte{}, sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(messageHash(data).Bytes(), normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func messageHash(data []byte) common.Hash {
	prefix := []byte(eip191Prefix + fmt.Sprint(len(data)))
	return crypto.Keccak256Hash(append(prefix, data...))
}
