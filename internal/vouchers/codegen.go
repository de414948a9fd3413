package vouchers

import (
	"crypto/rand"
	"math/big"
)

// Voucher codes skip 0/O/1/I so customers can read them back over the phone.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	DefaultCodeLength     = 8
	DefaultPasswordLength = 6
)

// GenerateCode returns a random voucher code of length n. Uniqueness within a
// tenant is enforced by the database index; callers retry on collision.
func GenerateCode(n int) string {
	return randomString(n, codeAlphabet)
}

// GeneratePassword returns a numeric hotspot password of length n.
func GeneratePassword(n int) string {
	return randomString(n, "0123456789")
}

func randomString(n int, alphabet string) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform source is broken;
			// there is no sane recovery for credential generation.
			panic("vouchers: random source unavailable: " + err.Error())
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out)
}
