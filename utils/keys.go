package utils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// ParseSecretKey accepts the two shapes wallets export secret keys in:
// a JSON byte array ("[12,34,...]") or a base58 string, optionally pasted
// with wrapping quotes.
func ParseSecretKey(input string) ([]byte, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return nil, fmt.Errorf("empty secret key")
	}

	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		var nums []int
		if err := json.Unmarshal([]byte(raw), &nums); err != nil {
			return nil, fmt.Errorf("secret key looks like JSON but failed to parse: %w", err)
		}
		if len(nums) < 32 {
			return nil, fmt.Errorf("secret key JSON array too short (%d entries)", len(nums))
		}
		out := make([]byte, len(nums))
		for i, n := range nums {
			if n < 0 || n > 255 {
				return nil, fmt.Errorf("secret key JSON array has out-of-range byte %d", n)
			}
			out[i] = byte(n)
		}
		return out, nil
	}

	cleaned := strings.Trim(raw, `"`)
	out, err := base58.Decode(cleaned)
	if err != nil {
		return nil, fmt.Errorf("secret key is not valid base58 (and not a JSON array): %w", err)
	}
	return out, nil
}
