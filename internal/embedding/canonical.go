package embedding

import (
	"fmt"
	"strings"

	"github.com/fraudcore/engine/internal/model"
)

// CanonicalText builds the deterministic text representation of a
// transaction that both index-time (outbox worker) and query-time
// (Stage-2 retrieval) embed. Per spec §4.3 it must be bit-for-bit
// identical for the same transaction regardless of call site, so it is
// a pure function over the fields actually used for similarity:
// amount, currency, country, merchant category, payment method, type.
func CanonicalText(txn model.Transaction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "amount=%.2f", txn.Amount)
	b.WriteString(" currency=")
	b.WriteString(txn.Currency)
	b.WriteString(" country=")
	b.WriteString(txn.Location.Country)
	b.WriteString(" merchant_category=")
	b.WriteString(txn.Merchant.Category)
	b.WriteString(" payment_method=")
	b.WriteString(txn.PaymentMethod)
	b.WriteString(" type=")
	b.WriteString(txn.Type)
	return b.String()
}
