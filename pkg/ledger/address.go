package ledger

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// AddressLength is the decoded length of a ledger address in bytes.
const AddressLength = 32

// ValidateAddress checks that s is a well-formed ledger address: base58
// text decoding to exactly 32 bytes. Validation is decode-based rather than
// a length heuristic so look-alike strings are rejected.
func ValidateAddress(s string) error {
	if s == "" {
		return fmt.Errorf("address is empty")
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("address %q is not valid base58: %w", s, err)
	}
	if len(raw) != AddressLength {
		return fmt.Errorf("address %q decodes to %d bytes, want %d", s, len(raw), AddressLength)
	}
	return nil
}

// IsAddress reports whether s is a well-formed ledger address.
func IsAddress(s string) bool {
	return ValidateAddress(s) == nil
}
