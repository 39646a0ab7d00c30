// Package universe narrows a raw ticker list to tradeable equities before
// the market opens.
package universe

import (
	"context"
	"log/slog"
	"strings"

	"kis-trader/internal/config"
	"kis-trader/internal/exchange"
)

// Rejection reasons, in check order.
const (
	RejectPreferredShare = "PREFERRED_SHARE"
	RejectAPIError       = "API_ERROR"
	RejectNoPrice        = "NO_PRICE"
	RejectNotEquity      = "NOT_EQUITY"
	RejectLowMcap        = "LOW_MCAP"
	RejectHighMcap       = "HIGH_MCAP"
	RejectLowADTV        = "LOW_ADTV"
)

// KRX preferred-share listings end in one of these.
var preferredSuffixes = []string{"5", "K"}

// Equity market-classification prefixes; anything else is an ETF, ETN or
// similar wrapper product.
var equityMarketPrefixes = []string{"KOSPI", "KOSDAQ", "KSQ"}

// QuoteSource supplies the per-ticker data the filter needs. Implemented
// by exchange.Client.
type QuoteSource interface {
	InquirePrice(ctx context.Context, symbol string) (*exchange.PriceRecord, error)
	ADTV20(ctx context.Context, symbol string) (float64, error)
}

// Rejection explains why one ticker was dropped. Value carries the
// measured quantity where one applies (price, mcap, adtv).
type Rejection struct {
	Ticker string
	Reason string
	Value  float64
}

// Filter applies the pre-market admission checks in fixed order.
type Filter struct {
	src    QuoteSource
	cfg    config.UniverseConfig
	logger *slog.Logger
}

// NewFilter creates a filter over a quote source.
func NewFilter(src QuoteSource, cfg config.UniverseConfig, logger *slog.Logger) *Filter {
	return &Filter{src: src, cfg: cfg, logger: logger.With("component", "universe")}
}

// Run evaluates every ticker, preserving input order in the accepted
// list. Transport errors follow the skip_api_errors policy: fail-open
// (accept) when set, reject API_ERROR otherwise.
func (f *Filter) Run(ctx context.Context, tickers []string) (valid []string, rejected []Rejection) {
	for _, ticker := range tickers {
		if rej, ok := f.check(ctx, ticker); !ok {
			rejected = append(rejected, rej)
			continue
		}
		valid = append(valid, ticker)
	}
	f.logger.Info("universe filtered",
		"input", len(tickers), "valid", len(valid), "rejected", len(rejected))
	return valid, rejected
}

func (f *Filter) check(ctx context.Context, ticker string) (Rejection, bool) {
	for _, suffix := range preferredSuffixes {
		if strings.HasSuffix(ticker, suffix) {
			return Rejection{Ticker: ticker, Reason: RejectPreferredShare}, false
		}
	}

	rec, err := f.src.InquirePrice(ctx, ticker)
	if err != nil {
		if f.cfg.SkipAPIErrors {
			f.logger.Warn("quote fetch failed, accepting fail-open", "ticker", ticker, "error", err)
			return Rejection{}, true
		}
		return Rejection{Ticker: ticker, Reason: RejectAPIError}, false
	}

	if rec.Price <= 0 {
		return Rejection{Ticker: ticker, Reason: RejectNoPrice, Value: rec.Price}, false
	}

	if f.cfg.ExcludeNonEquity && rec.Market != "" && !isEquityMarket(rec.Market) {
		return Rejection{Ticker: ticker, Reason: RejectNotEquity}, false
	}

	// Missing mcap is accepted fail-open.
	if rec.Mcap > 0 {
		if rec.Mcap < f.cfg.McapMin {
			return Rejection{Ticker: ticker, Reason: RejectLowMcap, Value: rec.Mcap}, false
		}
		if f.cfg.McapMax > 0 && rec.Mcap > f.cfg.McapMax {
			return Rejection{Ticker: ticker, Reason: RejectHighMcap, Value: rec.Mcap}, false
		}
	}

	if f.cfg.AdtvMin > 0 {
		adtv, err := f.src.ADTV20(ctx, ticker)
		if err != nil {
			if f.cfg.SkipAPIErrors {
				f.logger.Warn("adtv fetch failed, accepting fail-open", "ticker", ticker, "error", err)
				return Rejection{}, true
			}
			return Rejection{Ticker: ticker, Reason: RejectAPIError}, false
		}
		if adtv < f.cfg.AdtvMin {
			return Rejection{Ticker: ticker, Reason: RejectLowADTV, Value: adtv}, false
		}
	}

	return Rejection{}, true
}

func isEquityMarket(market string) bool {
	for _, prefix := range equityMarketPrefixes {
		if strings.HasPrefix(market, prefix) {
			return true
		}
	}
	return false
}
