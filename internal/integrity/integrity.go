// Package integrity derives the content hash that binds a document's field
// values to its on-chain record.
package integrity

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Separator joins field values before hashing.
const Separator = "|"

// OrderedValues returns the values of data in the given key order. Keys
// absent from data yield an empty string.
func OrderedValues(order []string, data map[string]string) []string {
	values := make([]string, len(order))
	for i, key := range order {
		values[i] = data[key]
	}
	return values
}

// Canonical returns the byte string that is hashed for a document.
func Canonical(order []string, data map[string]string) []byte {
	return []byte(strings.Join(OrderedValues(order, data), Separator))
}

// Hash computes the Keccak-256 document hash over data taken in order.
// Issuance and verification must both go through this function with the
// template's declared field order.
func Hash(order []string, data map[string]string) common.Hash {
	return HashValues(OrderedValues(order, data))
}

// HashValues hashes values that are already in declaration order, such as
// the tuple returned by the contract's getDocumentData.
func HashValues(values []string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(strings.Join(values, Separator)))
	var out common.Hash
	h.Sum(out[:0])
	return out
}
