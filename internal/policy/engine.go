// Package policy implements the deterministic deny layer evaluated before any
// execution reaches a venue. Rules come in two categories: allowlists (deny
// unless the value is a member) and numeric limits (deny when the amount
// exceeds the effective bound). Unset rules never deny.
//
// Evaluation order is fixed: allowlists before numeric limits, and within each
// category alphabetical by dimension name, so a request with multiple
// violations always reports the same first reason.
package policy

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"tradegate/internal/apperr"
	"tradegate/internal/config"
	"tradegate/internal/consent"
)

// Reason codes emitted by the engine.
const (
	ReasonChainNotAllowed       = "chain_not_allowed"
	ReasonDestinationNotAllowed = "destination_not_allowed"
	ReasonExchangeNotAllowed    = "exchange_not_allowed"
	ReasonMarketTypeNotAllowed  = "market_type_not_allowed"
	ReasonRouterNotAllowed      = "router_not_allowed"
	ReasonSymbolNotAllowed      = "symbol_not_allowed"
	ReasonTokenNotAllowed       = "token_not_allowed"

	ReasonOrderAmountTooLarge    = "order_amount_too_large"
	ReasonTokenAmountTooLarge    = "token_amount_too_large"
	ReasonTradeAmountTooLarge    = "trade_amount_too_large"
	ReasonTransferAmountTooLarge = "transfer_amount_too_large"

	ReasonInvalidSide      = "invalid_side"
	ReasonInvalidOrderType = "invalid_order_type"
	ReasonInvalidAmount    = "invalid_amount"
	ReasonInvalidPrice     = "invalid_price"
)

// Override keys accepted by SetOverrides. Matches the static limit schema.
const (
	LimitMaxTradeAmount    = "MAX_TRADE_AMOUNT"
	LimitMaxTransferNative = "MAX_TRANSFER_NATIVE"
	LimitMaxCexOrderAmount = "MAX_CEX_ORDER_AMOUNT"
)

var overrideSchema = map[string]bool{
	LimitMaxTradeAmount:    true,
	LimitMaxTransferNative: true,
	LimitMaxCexOrderAmount: true,
}

// Engine evaluates actions against static config plus a runtime override
// layer. Overrides only take effect while advanced consent is held, and the
// override map itself resets on process restart.
type Engine struct {
	consent *consent.Store

	chains       map[string]bool
	tokens       map[string]bool
	routers      map[string]bool
	exchanges    map[string]bool
	symbols      map[string]bool
	marketTypes  map[string]bool
	destinations map[string]bool

	maxTradeAmount    *float64
	maxTransferNative *float64
	maxCexOrderAmount *float64
	perTokenMax       map[string]float64

	mu        sync.RWMutex
	overrides map[string]float64
}

// NewEngine builds an engine from static policy config.
func NewEngine(cfg config.PolicyConfig, cs *consent.Store) *Engine {
	perToken := make(map[string]float64, len(cfg.PerTokenMax))
	for token, max := range cfg.PerTokenMax {
		perToken[strings.ToUpper(strings.TrimSpace(token))] = max
	}
	return &Engine{
		consent:           cs,
		chains:            config.ParseCSVSet(cfg.AllowChains),
		tokens:            config.ParseCSVSet(cfg.AllowTokens),
		routers:           config.ParseCSVSet(cfg.AllowRouters),
		exchanges:         config.ParseCSVSet(cfg.AllowExchanges),
		symbols:           config.ParseCSVSet(cfg.AllowSymbols),
		marketTypes:       config.ParseCSVSet(cfg.AllowMarketTypes),
		destinations:      config.ParseCSVSet(cfg.AllowDestinations),
		maxTradeAmount:    cfg.MaxTradeAmount,
		maxTransferNative: cfg.MaxTransferNative,
		maxCexOrderAmount: cfg.MaxCexOrderAmount,
		perTokenMax:       perToken,
		overrides:         make(map[string]float64),
	}
}

// Evaluate checks an action against the current rules. It has no side
// effects: the result is a pure function of the action, static config, the
// override map, and the consent flags.
func (e *Engine) Evaluate(action Action) *apperr.Error {
	switch a := action.(type) {
	case Swap:
		return e.evaluateSwap(a)
	case TransferNative:
		return e.evaluateTransfer(a)
	case CexOrder:
		return e.evaluateCexOrder(a)
	case *Swap:
		return e.evaluateSwap(*a)
	case *TransferNative:
		return e.evaluateTransfer(*a)
	case *CexOrder:
		return e.evaluateCexOrder(*a)
	default:
		return apperr.Newf(apperr.CodeInvalidRequest, "unknown action kind %q", string(action.ActionKind()))
	}
}

// Allowlist dimensions alphabetically: chain, router, token.
// Limit dimensions alphabetically: token, trade.
func (e *Engine) evaluateSwap(a Swap) *apperr.Error {
	if err := e.denyUnlessMember(e.chains, a.Chain, ReasonChainNotAllowed, "chain"); err != nil {
		return err
	}
	if err := e.denyUnlessMember(e.routers, a.Router, ReasonRouterNotAllowed, "router"); err != nil {
		return err
	}
	for _, token := range []string{a.FromToken, a.ToToken} {
		if err := e.denyUnlessMember(e.tokens, token, ReasonTokenNotAllowed, "token"); err != nil {
			return err
		}
	}
	if max, ok := e.perTokenMax[strings.ToUpper(strings.TrimSpace(a.FromToken))]; ok && a.Amount > max {
		return apperr.Newf(ReasonTokenAmountTooLarge,
			"Trade amount %g %s exceeds per-token limit %g.", a.Amount, a.FromToken, max).
			With("amount", a.Amount).With("token", a.FromToken).With("max_trade_amount_token", max)
	}
	if max := e.effectiveLimit(LimitMaxTradeAmount, e.maxTradeAmount); max != nil && a.Amount > *max {
		return apperr.Newf(ReasonTradeAmountTooLarge,
			"Trade amount %g exceeds MAX_TRADE_AMOUNT=%g.", a.Amount, *max).
			With("amount", a.Amount).With("max_trade_amount", *max)
	}
	return nil
}

// Allowlist dimensions alphabetically: chain, destination.
func (e *Engine) evaluateTransfer(a TransferNative) *apperr.Error {
	if err := e.denyUnlessMember(e.chains, a.Chain, ReasonChainNotAllowed, "chain"); err != nil {
		return err
	}
	if err := e.denyUnlessMember(e.destinations, a.ToAddress, ReasonDestinationNotAllowed, "destination"); err != nil {
		return err
	}
	if max := e.effectiveLimit(LimitMaxTransferNative, e.maxTransferNative); max != nil && a.Amount > *max {
		return apperr.Newf(ReasonTransferAmountTooLarge,
			"Transfer amount %g exceeds MAX_TRANSFER_NATIVE=%g.", a.Amount, *max).
			With("amount", a.Amount).With("max_transfer_native", *max)
	}
	return nil
}

// Allowlist dimensions alphabetically: exchange, market_type, symbol.
func (e *Engine) evaluateCexOrder(a CexOrder) *apperr.Error {
	if err := e.denyUnlessMember(e.exchanges, a.Exchange, ReasonExchangeNotAllowed, "exchange"); err != nil {
		return err
	}
	marketType := strings.ToLower(strings.TrimSpace(a.MarketType))
	if marketType == "" {
		marketType = "spot"
	}
	if err := e.denyUnlessMember(e.marketTypes, marketType, ReasonMarketTypeNotAllowed, "market_type"); err != nil {
		return err
	}
	if err := e.denyUnlessMember(e.symbols, a.Symbol, ReasonSymbolNotAllowed, "symbol"); err != nil {
		return err
	}

	side := strings.ToLower(strings.TrimSpace(a.Side))
	if side != "buy" && side != "sell" {
		return apperr.New(ReasonInvalidSide, "side must be 'buy' or 'sell'").With("side", a.Side)
	}
	orderType := strings.ToLower(strings.TrimSpace(a.OrderType))
	if orderType != "market" && orderType != "limit" {
		return apperr.New(ReasonInvalidOrderType, "order_type must be 'market' or 'limit'").With("order_type", a.OrderType)
	}
	if a.Amount <= 0 {
		return apperr.New(ReasonInvalidAmount, "amount must be > 0").With("amount", a.Amount)
	}
	if orderType == "limit" && a.Price <= 0 {
		return apperr.New(ReasonInvalidPrice, "price must be provided for limit orders and be > 0").With("price", a.Price)
	}

	if max := e.effectiveLimit(LimitMaxCexOrderAmount, e.maxCexOrderAmount); max != nil && a.Amount > *max {
		return apperr.Newf(ReasonOrderAmountTooLarge,
			"Order amount %g exceeds MAX_CEX_ORDER_AMOUNT=%g.", a.Amount, *max).
			With("amount", a.Amount).With("max_cex_order_amount", *max)
	}
	return nil
}

// denyUnlessMember applies one allowlist dimension. An empty set or an empty
// value (dimension absent from the action) never denies.
func (e *Engine) denyUnlessMember(set map[string]bool, value, reason, dimension string) *apperr.Error {
	if len(set) == 0 {
		return nil
	}
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return nil
	}
	if set[normalized] {
		return nil
	}
	return apperr.Newf(reason, "%s %q is not allowlisted", dimension, value).
		With(dimension, value).
		With("allowed", sortedKeys(set))
}

// effectiveLimit resolves the bound for a limit dimension: the override value
// when present and advanced consent is held, else the static value, else nil
// (unbounded).
func (e *Engine) effectiveLimit(name string, static *float64) *float64 {
	if e.consent != nil && e.consent.IsAccepted(consent.TierAdvanced) {
		e.mu.RLock()
		v, ok := e.overrides[name]
		e.mu.RUnlock()
		if ok {
			return &v
		}
	}
	return static
}

// SetOverrides merges a partial limit-name -> value map into the override
// layer. Requires advanced consent; keys outside the static schema are
// rejected as a unit.
func (e *Engine) SetOverrides(partial map[string]float64) *apperr.Error {
	if e.consent != nil {
		if err := e.consent.RequireAdvanced(); err != nil {
			return err
		}
	}
	var bad []string
	for k := range partial {
		if !overrideSchema[k] {
			bad = append(bad, k)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return apperr.New(apperr.CodeInvalidOverrideKeys, "Unsupported override keys.").
			With("unsupported", bad).
			With("allowed", sortedKeys(overrideSchema))
	}
	e.mu.Lock()
	for k, v := range partial {
		e.overrides[k] = v
	}
	e.mu.Unlock()
	log.Warn().Int("keys", len(partial)).Msg("policy overrides updated")
	return nil
}

// ReplaceOverrides swaps the whole override layer, used by risk profile
// selection after its own consent gating.
func (e *Engine) ReplaceOverrides(overrides map[string]float64) {
	next := make(map[string]float64, len(overrides))
	for k, v := range overrides {
		if overrideSchema[k] {
			next[k] = v
		}
	}
	e.mu.Lock()
	e.overrides = next
	e.mu.Unlock()
	log.Warn().Int("keys", len(next)).Msg("policy overrides replaced")
}

// Overrides returns a snapshot of the override layer and whether it is
// currently effective.
func (e *Engine) Overrides() (map[string]float64, bool) {
	e.mu.RLock()
	out := make(map[string]float64, len(e.overrides))
	for k, v := range e.overrides {
		out[k] = v
	}
	e.mu.RUnlock()
	active := e.consent != nil && e.consent.IsAccepted(consent.TierAdvanced)
	return out, active
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
