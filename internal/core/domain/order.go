package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide distinguishes buy and sell intents.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType selects limit or market execution on the counterparty side.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is the order lifecycle state. Pending orders transition
// exactly once to a terminal state during reconciliation.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderExpired   OrderStatus = "EXPIRED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Order is a buy/sell intent submitted as a transfer-with-memo. There is no
// remote order-status API; outcomes are inferred from wallet balances.
type Order struct {
	OrderID       string
	WalletAddress string
	Side          OrderSide
	Type          OrderType
	Asset         string
	USDCAmount    decimal.Decimal
	Quantity      decimal.Decimal // nominal at submission, actual after fill
	LimitPrice    decimal.Decimal
	Status        OrderStatus
	TxHash        string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	FilledAt      *time.Time
	ProfitLoss    *decimal.Decimal // sell fills only
}

// IsTerminal reports whether the order has reached a final state.
func (o *Order) IsTerminal() bool {
	return o.Status != OrderPending
}

// NewCustomerID builds the client-generated order id carried in the memo.
// The millisecond timestamp keeps ids unique for a single-threaded submitter.
func NewCustomerID(side OrderSide, at time.Time) string {
	return fmt.Sprintf("SVIM_DCA_%s_%d", side, at.UnixMilli())
}
