package voucher

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var receiptTypeHash = crypto.Keccak256Hash([]byte(
	"Receipt(address allocation_id,uint64 timestamp_ns,uint64 nonce,uint128 value)",
))

// Domain identifies the EIP-712 domain receipts are signed under.
type Domain struct {
	ChainID           *big.Int
	VerifyingContract common.Address
}

// domainSeparator computes the EIP-712 domain separator.
func domainSeparator(d Domain) [32]byte {
	domainTypeHash := crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	nameHash := crypto.Keccak256Hash([]byte("TAP"))
	versionHash := crypto.Keccak256Hash([]byte("1"))

	// abi.encode(bytes32, bytes32, bytes32, uint256, address)
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	d.ChainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], d.VerifyingContract.Bytes())

	return crypto.Keccak256Hash(encoded)
}

// Digest returns the EIP-712 hash a receipt signature commits to.
func Digest(r *Receipt, d Domain) (common.Hash, error) {
	if r.Fees == nil || r.Fees.Sign() < 0 || r.Fees.BitLen() > 128 {
		return common.Hash{}, errors.New("fees out of uint128 range")
	}
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], receiptTypeHash[:])
	copy(encoded[44:64], r.AllocationID.Bytes())
	new(big.Int).SetUint64(r.Timestamp).FillBytes(encoded[64:96])
	new(big.Int).SetUint64(r.Nonce).FillBytes(encoded[96:128])
	r.Fees.FillBytes(encoded[128:160])

	structHash := crypto.Keccak256Hash(encoded)
	sep := domainSeparator(d)

	// keccak256(0x1901 || domainSeparator || structHash)
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg), nil
}

// Sign signs the receipt in-place.
func Sign(r *Receipt, privKey *ecdsa.PrivateKey, d Domain) error {
	digest, err := Digest(r, d)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(digest[:], privKey)
	if err != nil {
		return err
	}
	sig[64] += 27
	r.Signature = sig
	return nil
}

// Recover returns the address that signed the receipt. Only canonical
// signatures are accepted: v is 0/1 or 27/28 and s lies in the lower half of
// the curve order.
func Recover(r *Receipt, d Domain) (common.Address, error) {
	if len(r.Signature) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	digest, err := Digest(r, d)
	if err != nil {
		return common.Address{}, err
	}
	sig := make([]byte, 65)
	copy(sig, r.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	rv := new(big.Int).SetBytes(sig[:32])
	sv := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[64], rv, sv, true) {
		return common.Address{}, errors.New("non-canonical signature")
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
