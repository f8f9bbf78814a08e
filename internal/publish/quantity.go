package publish

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Quantity pairs a decimal value with its unit, mirroring the original
// DecimalWithUnit helper — used for log lines and the publisher
// interface's three arguments.
type Quantity struct {
	Value decimal.Decimal
	Unit  string
}

// String renders "1234000 Wh"-style text.
func (q Quantity) String() string {
	return fmt.Sprintf("%s %s", q.Value.String(), q.Unit)
}

func wh(v int64) Quantity { return Quantity{decimal.NewFromInt(v), "Wh"} }
func watts(v int64) Quantity { return Quantity{decimal.NewFromInt(v), "W"} }
