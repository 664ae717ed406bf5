package policy

// Kind identifies a governed action variant.
type Kind string

const (
	KindSwap           Kind = "swap"
	KindTransferNative Kind = "transfer_native"
	KindCexOrder       Kind = "cex_order"
)

// Action is a closed set of money-moving request variants. Each variant
// carries its own validated field set so engine dispatch is exhaustive.
type Action interface {
	ActionKind() Kind
	ActionAmount() float64
}

// Swap describes a DEX token swap request.
type Swap struct {
	Chain     string  `json:"chain"`
	FromToken string  `json:"from_token"`
	ToToken   string  `json:"to_token"`
	Router    string  `json:"router,omitempty"`
	Amount    float64 `json:"amount"`
}

func (Swap) ActionKind() Kind        { return KindSwap }
func (a Swap) ActionAmount() float64 { return a.Amount }

// TransferNative describes a native-token transfer to an address.
type TransferNative struct {
	Chain     string  `json:"chain"`
	ToAddress string  `json:"to_address"`
	Amount    float64 `json:"amount"`
}

func (TransferNative) ActionKind() Kind        { return KindTransferNative }
func (a TransferNative) ActionAmount() float64 { return a.Amount }

// CexOrder describes a centralized-exchange order. Price is required for
// limit orders and ignored for market orders.
type CexOrder struct {
	Exchange   string  `json:"exchange"`
	Symbol     string  `json:"symbol"`
	MarketType string  `json:"market_type"`
	Side       string  `json:"side"`
	OrderType  string  `json:"order_type"`
	Amount     float64 `json:"amount"`
	Price      float64 `json:"price,omitempty"`
}

func (CexOrder) ActionKind() Kind        { return KindCexOrder }
func (a CexOrder) ActionAmount() float64 { return a.Amount }
