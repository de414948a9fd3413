package payments

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const txnAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewTransactionID allocates a caller-visible idempotency key in the
// <prefix>-<date>-<random> format, e.g. KLA-20240101-7F3K9Q2M. The prefix is
// the tenant code, or PAY for global payments.
func NewTransactionID(prefix string) string {
	if prefix == "" {
		prefix = "PAY"
	}
	token := make([]byte, 8)
	max := big.NewInt(int64(len(txnAlphabet)))
	for i := range token {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("payments: random source unavailable: " + err.Error())
		}
		token[i] = txnAlphabet[idx.Int64()]
	}
	return fmt.Sprintf("%s-%s-%s", strings.ToUpper(prefix), time.Now().Format("20060102"), string(token))
}
