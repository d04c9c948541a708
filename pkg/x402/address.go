package x402

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
)

// NormalizeAddress returns the canonical form of addr for the chain family:
// the EIP-55 checksum for EVM and the base58 public key for Solana.
func NormalizeAddress(family ChainFamily, addr string) (string, error) {
	switch family {
	case FamilyEVM:
		if !common.IsHexAddress(addr) {
			return "", addressError(addr, family, nil)
		}
		return common.HexToAddress(addr).Hex(), nil
	case FamilySVM:
		pk, err := solana.PublicKeyFromBase58(addr)
		if err != nil {
			return "", addressError(addr, family, err)
		}
		return pk.String(), nil
	default:
		return "", NewPaymentError(ErrCodeUnsupportedNetwork, fmt.Sprintf("unknown chain family %q", family), nil)
	}
}

func addressError(addr string, family ChainFamily, err error) *PaymentError {
	return NewPaymentError(
		ErrCodeInvalidAddress,
		fmt.Sprintf("invalid %s address %q", family, addr),
		err,
	).WithDetails("address", addr)
}
