package ledger

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// DIDPrefix scopes decentralized identifiers to ledger accounts.
const DIDPrefix = "did:algo:"

// Signer is an account able to sign transactions and credential proofs.
type Signer struct {
	Address    string
	PrivateKey ed25519.PrivateKey
}

// SignerFromMnemonic loads the issuer account from its 25-word mnemonic.
func SignerFromMnemonic(phrase string) (*Signer, error) {
	sk, err := mnemonic.ToPrivateKey(strings.TrimSpace(phrase))
	if err != nil {
		return nil, fmt.Errorf("decode issuer mnemonic: %w", err)
	}
	account, err := crypto.AccountFromPrivateKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive issuer account: %w", err)
	}
	return &Signer{Address: account.Address.String(), PrivateKey: account.PrivateKey}, nil
}

// GenerateSigner creates a fresh random account, used for dev and tests.
func GenerateSigner() *Signer {
	account := crypto.GenerateAccount()
	return &Signer{Address: account.Address.String(), PrivateKey: account.PrivateKey}
}

// ValidateAddress checks the base32 form and checksum of an account address.
func ValidateAddress(address string) error {
	if _, err := types.DecodeAddress(address); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return nil
}

// PublicKey returns the ed25519 key embedded in an address. Any party can
// verify issuer signatures from the address alone.
func PublicKey(address string) (ed25519.PublicKey, error) {
	addr, err := types.DecodeAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return ed25519.PublicKey(addr[:]), nil
}

// AddressBytes returns the raw 32-byte public key behind an address.
func AddressBytes(address string) ([32]byte, error) {
	addr, err := types.DecodeAddress(address)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return addr, nil
}

// AddressFromBytes encodes a raw public key as an account address.
func AddressFromBytes(b [32]byte) string {
	return types.Address(b).String()
}

// DID returns the decentralized identifier for an account.
func DID(address string) string {
	return DIDPrefix + address
}

// AddressFromDID strips DIDPrefix and validates the remainder.
func AddressFromDID(did string) (string, error) {
	addr, ok := strings.CutPrefix(did, DIDPrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q is not a %s identifier", ErrInvalidAddress, did, DIDPrefix)
	}
	return addr, ValidateAddress(addr)
}
