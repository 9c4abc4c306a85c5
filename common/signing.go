package common

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// LoadSigningKey parses a hex encoded secp256k1 private key (0x prefix optional)
// and returns it with its Ethereum address.
func LoadSigningKey(privateKeyHex string) (*ecdsa.PrivateKey, Address, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, Address{}, fmt.Errorf("error converting private key: %v", err)
	}
	return privateKey, Address(crypto.PubkeyToAddress(privateKey.PublicKey)), nil
}
