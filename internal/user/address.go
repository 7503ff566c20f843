package user

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ChecksumAddress validates an Ethereum address and returns it in EIP-55
// mixed-case checksum form. Input case is ignored.
func ChecksumAddress(addr string) (string, error) {
	if len(addr) != 42 || !strings.HasPrefix(strings.ToLower(addr), "0x") {
		return "", fmt.Errorf("user: invalid address %q", addr)
	}
	lower := strings.ToLower(addr[2:])
	if _, err := hex.DecodeString(lower); err != nil {
		return "", fmt.Errorf("user: invalid address %q", addr)
	}

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)

	out := make([]byte, 0, 42)
	out = append(out, '0', 'x')
	for i := 0; i < len(lower); i++ {
		ch := lower[i]
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		if ch >= 'a' && ch <= 'f' && nibble >= 8 {
			ch -= 'a' - 'A'
		}
		out = append(out, ch)
	}
	return string(out), nil
}

// NormalizeAddresses checksums each address, dropping invalid entries
// and duplicates while keeping the input order.
func NormalizeAddresses(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		sum, err := ChecksumAddress(strings.TrimSpace(a))
		if err != nil {
			continue
		}
		if _, ok := seen[sum]; ok {
			continue
		}
		seen[sum] = struct{}{}
		out = append(out, sum)
	}
	return out
}
