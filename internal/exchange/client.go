package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"kis-trader/internal/config"
	"kis-trader/pkg/types"
)

const (
	breakerFailureThreshold = 5
	breakerRecoveryTimeout  = 30 * time.Second

	retryAttempts  = 3
	retryBaseDelay = 200 * time.Millisecond
)

// Live TR-IDs and their paper-mode equivalents for cash equity orders,
// modify/cancel and balance. Quote and chart TR-IDs work unchanged in
// paper mode. Both tables merge under config-injected overrides.
var defaultPaperTRIDs = map[string]string{
	"TTTC0802U": "VTTC0802U", // cash buy
	"TTTC0801U": "VTTC0801U", // cash sell
	"TTTC0803U": "VTTC0803U", // modify / cancel
	"TTTC8434R": "VTTC8434R", // balance and positions
}

var defaultPassthrough = []string{
	"FHKST01010100", // current price
	"FHKST03010100", // daily chart
}

// RateGate admits REST calls under an endpoint-class budget. Satisfied by
// ratelimit.Budget and ratelimit.SharedBudget.
type RateGate interface {
	Do(class, strategyID string, fn func() error) error
}

// PriceRecord is the subset of the current-price response the strategy
// layer consumes.
type PriceRecord struct {
	Symbol    string
	Price     float64
	PrevClose float64
	Market    string  // representative market name, e.g. "KOSPI"
	Mcap      float64 // KRW
	AccVol    float64
	AccVal    float64 // KRW
}

// Client is the authenticated KIS REST client. Every broker operation is
// guarded by the rate gate, the circuit breaker and a jitter-retry policy
// for transient 5xx responses. Operations paper trading does not cover
// route transparently to the real-endpoint fallback when configured.
type Client struct {
	auth       *Auth
	isPaper    bool
	http       *resty.Client
	realHTTP   *resty.Client // nil without fallback
	breaker    *gobreaker.CircuitBreaker
	gate       RateGate
	strategyID string

	paperTRIDs  map[string]string
	passthrough map[string]struct{}

	logger *slog.Logger
}

// NewClient builds the REST client around an authenticated Auth.
func NewClient(cfg *config.Config, auth *Auth, gate RateGate, logger *slog.Logger) *Client {
	paper := make(map[string]string, len(defaultPaperTRIDs))
	for k, v := range defaultPaperTRIDs {
		paper[k] = v
	}
	for k, v := range cfg.TRID.Overrides {
		paper[k] = v
	}
	pass := make(map[string]struct{})
	for _, id := range defaultPassthrough {
		pass[id] = struct{}{}
	}
	for _, id := range cfg.TRID.Passthrough {
		pass[id] = struct{}{}
	}

	log := logger.With("component", "rest_client")
	c := &Client{
		auth:        auth,
		http:        resty.New().SetBaseURL(auth.PrimaryURL()).SetTimeout(10 * time.Second),
		gate:        gate,
		strategyID:  cfg.Strategy.ID,
		paperTRIDs:  paper,
		passthrough: pass,
		logger:      log,
	}
	c.isPaper = cfg.IsPaper
	if auth.HasRealFallback() {
		c.realHTTP = resty.New().SetBaseURL(auth.FallbackURL()).SetTimeout(10 * time.Second)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kis-rest",
		MaxRequests: 1,
		Timeout:     breakerRecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return c
}

// PaperTRID maps a live TR-ID to its trading-mode equivalent. In live mode
// IDs pass through unchanged. In paper mode a mapped ID is substituted, a
// passthrough ID is kept, anything else is a configuration error.
func (c *Client) PaperTRID(liveID string) (string, error) {
	if !c.isPaper {
		return liveID, nil
	}
	if mapped, ok := c.paperTRIDs[liveID]; ok {
		return mapped, nil
	}
	if _, ok := c.passthrough[liveID]; ok {
		return liveID, nil
	}
	return "", fmt.Errorf("%w: no paper mapping for TR-ID %s", ErrConfig, liveID)
}

type restCall struct {
	method  string
	path    string
	liveTR  string
	class   string
	query   map[string]string
	body    any
	useReal bool // real-endpoint fallback op (paper has no coverage)
}

// call runs one guarded REST request and returns its envelope. The vendor
// rt_cd is NOT interpreted here; callers check env.Err() so that vendor
// failures do not trip the breaker.
func (c *Client) call(ctx context.Context, rc restCall) (*Envelope, error) {
	http := c.http
	trID := rc.liveTR
	headersFn := c.auth.BaseHeaders

	if rc.useReal && c.isPaper {
		if c.realHTTP == nil {
			return nil, fmt.Errorf("%w: %s requires real-endpoint fallback in paper mode", ErrConfig, rc.liveTR)
		}
		http = c.realHTTP
		headersFn = func(ctx context.Context) (map[string]string, error) {
			return c.auth.RealAPIHeaders(ctx)
		}
	} else {
		mapped, err := c.PaperTRID(rc.liveTR)
		if err != nil {
			return nil, err
		}
		trID = mapped
	}

	var env *Envelope
	err := c.gate.Do(rc.class, c.strategyID, func() error {
		res, err := c.breaker.Execute(func() (any, error) {
			return c.doRequest(ctx, http, trID, rc, headersFn)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
			}
			return err
		}
		env = res.(*Envelope)
		return nil
	})
	return env, err
}

// doRequest issues the HTTP call, retrying transient 5xx with jittered
// delays. 4xx and vendor errors are returned without retry.
func (c *Client) doRequest(ctx context.Context, http *resty.Client, trID string, rc restCall, headersFn func(context.Context) (map[string]string, error)) (*Envelope, error) {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay + time.Duration(rand.Int63n(int64(retryBaseDelay)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		headers, err := headersFn(ctx)
		if err != nil {
			return nil, err
		}
		headers["tr_id"] = trID

		req := http.R().SetContext(ctx).SetHeaders(headers).SetQueryParams(rc.query)
		if rc.body != nil {
			req.SetBody(rc.body)
		}
		resp, err := req.Execute(rc.method, rc.path)
		if err != nil {
			lastErr = fmt.Errorf("%w: %s %s: %v", ErrTransport, rc.method, rc.path, err)
			continue
		}
		if resp.StatusCode() >= 500 {
			lastErr = fmt.Errorf("%w: %s %s: status %d", ErrTransport, rc.method, rc.path, resp.StatusCode())
			c.logger.Warn("transient server error, retrying",
				"path", rc.path, "status", resp.StatusCode(), "attempt", attempt+1)
			continue
		}
		return NewEnvelope(resp.StatusCode(), resp.Body()), nil
	}
	return nil, lastErr
}

// InquirePrice fetches the current price snapshot for a symbol.
func (c *Client) InquirePrice(ctx context.Context, symbol string) (*PriceRecord, error) {
	env, err := c.call(ctx, restCall{
		method: "GET",
		path:   "/uapi/domestic-stock/v1/quotations/inquire-price",
		liveTR: "FHKST01010100",
		class:  "QUOTE",
		query: map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         symbol,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := env.Err(); err != nil {
		return nil, err
	}
	out := env.OutputMap("output")
	if out == nil {
		return nil, fmt.Errorf("%w: inquire-price: empty output", ErrVendor)
	}
	return &PriceRecord{
		Symbol:    symbol,
		Price:     parseNum(out["stck_prpr"]),
		PrevClose: parseNum(out["stck_sdpr"]),
		Market:    str(out["rprs_mrkt_kor_name"]),
		// hts_avls is reported in 100M-KRW units.
		Mcap:   parseNum(out["hts_avls"]) * 1e8,
		AccVol: parseNum(out["acml_vol"]),
		AccVal: parseNum(out["acml_tr_pbmn"]),
	}, nil
}

// ADTV20 returns the 20-day average daily traded value in KRW from the
// daily chart endpoint. Days with zero traded value are excluded.
func (c *Client) ADTV20(ctx context.Context, symbol string) (float64, error) {
	end := time.Now()
	start := end.AddDate(0, 0, -40) // calendar cushion for 20 trading days
	env, err := c.call(ctx, restCall{
		method: "GET",
		path:   "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice",
		liveTR: "FHKST03010100",
		class:  "CHART",
		query: map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         symbol,
			"FID_INPUT_DATE_1":       start.Format("20060102"),
			"FID_INPUT_DATE_2":       end.Format("20060102"),
			"FID_PERIOD_DIV_CODE":    "D",
			"FID_ORG_ADJ_PRC":        "0",
		},
	})
	if err != nil {
		return 0, err
	}
	if err := env.Err(); err != nil {
		return 0, err
	}

	var sum float64
	var n int
	for _, row := range env.OutputSlice("output2") {
		if v := parseNum(row["acml_tr_pbmn"]); v > 0 {
			sum += v
			n++
			if n == 20 {
				break
			}
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

// DailyCloses returns up to n recent daily closing prices in ascending
// date order. The venue reports rows newest first; callers get the series
// oriented for indicator warm-up, last element = most recent close.
func (c *Client) DailyCloses(ctx context.Context, symbol string, n int) ([]float64, error) {
	end := time.Now()
	start := end.AddDate(0, 0, -n*2) // calendar cushion for n trading days
	env, err := c.call(ctx, restCall{
		method: "GET",
		path:   "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice",
		liveTR: "FHKST03010100",
		class:  "CHART",
		query: map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         symbol,
			"FID_INPUT_DATE_1":       start.Format("20060102"),
			"FID_INPUT_DATE_2":       end.Format("20060102"),
			"FID_PERIOD_DIV_CODE":    "D",
			"FID_ORG_ADJ_PRC":        "0",
		},
	})
	if err != nil {
		return nil, err
	}
	if err := env.Err(); err != nil {
		return nil, err
	}

	var closes []float64
	for _, row := range env.OutputSlice("output2") {
		if v := parseNum(row["stck_clpr"]); v > 0 {
			closes = append(closes, v)
			if len(closes) == n {
				break
			}
		}
	}
	for i, j := 0, len(closes)-1; i < j; i, j = i+1, j-1 {
		closes[i], closes[j] = closes[j], closes[i]
	}
	return closes, nil
}

// MinuteBars returns today's minute bars at and before hhmmss ("153000"),
// ascending. The venue caps one response at 30 rows.
func (c *Client) MinuteBars(ctx context.Context, symbol, hhmmss string, loc *time.Location) ([]types.Bar, error) {
	env, err := c.call(ctx, restCall{
		method: "GET",
		path:   "/uapi/domestic-stock/v1/quotations/inquire-time-itemchartprice",
		liveTR: "FHKST03010200",
		class:  "CHART",
		query: map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         symbol,
			"FID_INPUT_HOUR_1":       hhmmss,
			"FID_ETC_CLS_CODE":       "",
			"FID_PW_DATA_INCU_YN":    "N",
		},
	})
	if err != nil {
		return nil, err
	}
	if err := env.Err(); err != nil {
		return nil, err
	}

	now := time.Now().In(loc)
	var bars []types.Bar
	for _, row := range env.OutputSlice("output2") {
		hm := str(row["stck_cntg_hour"])
		if len(hm) != 6 {
			continue
		}
		h, _ := strconv.Atoi(hm[:2])
		m, _ := strconv.Atoi(hm[2:4])
		s, _ := strconv.Atoi(hm[4:6])
		bars = append(bars, types.Bar{
			Start:  time.Date(now.Year(), now.Month(), now.Day(), h, m, s, 0, loc),
			Open:   parseNum(row["stck_oprc"]),
			High:   parseNum(row["stck_hgpr"]),
			Low:    parseNum(row["stck_lwpr"]),
			Close:  parseNum(row["stck_prpr"]),
			Volume: parseNum(row["cntg_vol"]),
		})
	}
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// PlaceOrder submits a cash order and returns the broker order id.
func (c *Client) PlaceOrder(ctx context.Context, intent types.OrderIntent) (string, error) {
	liveTR := "TTTC0802U"
	if intent.Side == types.SideSell {
		liveTR = "TTTC0801U"
	}
	ordDvsn, px := orderFields(intent)
	acct, prdt := splitAccount(c.auth.AccountNo())

	env, err := c.call(ctx, restCall{
		method: "POST",
		path:   "/uapi/domestic-stock/v1/trading/order-cash",
		liveTR: liveTR,
		class:  "ORDER",
		body: map[string]string{
			"CANO":         acct,
			"ACNT_PRDT_CD": prdt,
			"PDNO":         intent.Symbol,
			"ORD_DVSN":     ordDvsn,
			"ORD_QTY":      strconv.FormatInt(intent.Qty, 10),
			"ORD_UNPR":     px,
		},
	})
	if err != nil {
		return "", err
	}
	if err := env.Err(); err != nil {
		return "", err
	}
	out := env.OutputMap("output")
	id := str(out["ODNO"])
	if id == "" {
		return "", fmt.Errorf("%w: order accepted without ODNO", ErrVendor)
	}
	c.logger.Info("order placed",
		"symbol", intent.Symbol, "side", intent.Side, "qty", intent.Qty, "order_id", id)
	return id, nil
}

// ModifyOrder re-prices a working order.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, qty int64, price float64) error {
	return c.reviseCancel(ctx, orderID, qty, price, "01")
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(ctx context.Context, orderID string, qty int64) error {
	return c.reviseCancel(ctx, orderID, qty, 0, "02")
}

func (c *Client) reviseCancel(ctx context.Context, orderID string, qty int64, price float64, dvsn string) error {
	acct, prdt := splitAccount(c.auth.AccountNo())
	env, err := c.call(ctx, restCall{
		method: "POST",
		path:   "/uapi/domestic-stock/v1/trading/order-rvsecncl",
		liveTR: "TTTC0803U",
		class:  "ORDER",
		body: map[string]string{
			"CANO":               acct,
			"ACNT_PRDT_CD":       prdt,
			"KRX_FWDG_ORD_ORGNO": "",
			"ORGN_ODNO":          orderID,
			"ORD_DVSN":           "00",
			"RVSE_CNCL_DVSN_CD":  dvsn,
			"ORD_QTY":            strconv.FormatInt(qty, 10),
			"ORD_UNPR":           strconv.FormatFloat(price, 'f', 0, 64),
			"QTY_ALL_ORD_YN":     "Y",
		},
	})
	if err != nil {
		return err
	}
	return env.Err()
}

// Positions fetches broker-held positions with non-zero quantity.
func (c *Client) Positions(ctx context.Context) ([]types.Position, error) {
	env, err := c.inquireBalance(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Position
	for _, row := range env.OutputSlice("output1") {
		qty := int64(parseNum(row["hldg_qty"]))
		if qty == 0 {
			continue
		}
		out = append(out, types.Position{
			Symbol: str(row["pdno"]),
			Qty:    qty,
			AvgPx:  parseNum(row["pchs_avg_pric"]),
		})
	}
	return out, nil
}

// Balance returns total account equity in KRW.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	env, err := c.inquireBalance(ctx)
	if err != nil {
		return 0, err
	}
	rows := env.OutputSlice("output2")
	if len(rows) == 0 {
		return 0, fmt.Errorf("%w: inquire-balance: empty output2", ErrVendor)
	}
	return parseNum(rows[0]["tot_evlu_amt"]), nil
}

func (c *Client) inquireBalance(ctx context.Context) (*Envelope, error) {
	acct, prdt := splitAccount(c.auth.AccountNo())
	env, err := c.call(ctx, restCall{
		method: "GET",
		path:   "/uapi/domestic-stock/v1/trading/inquire-balance",
		liveTR: "TTTC8434R",
		class:  "BALANCE",
		query: map[string]string{
			"CANO":                  acct,
			"ACNT_PRDT_CD":          prdt,
			"AFHR_FLPR_YN":          "N",
			"OFL_YN":                "",
			"INQR_DVSN":             "02",
			"UNPR_DVSN":             "01",
			"FUND_STTL_ICLD_YN":     "N",
			"FNCG_AMT_AUTO_RDPT_YN": "N",
			"PRCS_DVSN":             "00",
			"CTX_AREA_FK100":        "",
			"CTX_AREA_NK100":        "",
		},
	})
	if err != nil {
		return nil, err
	}
	if err := env.Err(); err != nil {
		return nil, err
	}
	return env, nil
}

// ProgramNetBuy returns the market-wide cumulative program net-buy value
// for a market ("KOSPI" or "KOSDAQ"). Units are vendor-defined; callers
// treat the value as an opaque scalar. Paper trading has no coverage for
// this endpoint, so it routes to the real-endpoint fallback.
func (c *Client) ProgramNetBuy(ctx context.Context, market string) (float64, error) {
	code := "0001" // KOSPI composite
	if strings.EqualFold(market, "KOSDAQ") {
		code = "1001"
	}
	env, err := c.call(ctx, restCall{
		method: "GET",
		path:   "/uapi/domestic-stock/v1/quotations/comp-program-trade-today",
		liveTR: "FHPPG04600101",
		class:  "FLOW",
		query: map[string]string{
			"FID_COND_MRKT_DIV_CODE": "U",
			"FID_INPUT_ISCD":         code,
		},
		useReal: true,
	})
	if err != nil {
		return 0, err
	}
	if err := env.Err(); err != nil {
		return 0, err
	}
	out := env.OutputMap("output")
	if out == nil {
		// Some envelope variants return a list; take the latest row.
		rows := env.OutputSlice("output")
		if len(rows) == 0 {
			return 0, fmt.Errorf("%w: program-trade: empty output", ErrVendor)
		}
		out = rows[0]
	}
	return parseNum(out["whol_ntby_tr_pbmn"]), nil
}

func orderFields(intent types.OrderIntent) (ordDvsn, px string) {
	if intent.PriceKind == types.PriceMarket {
		return "01", "0"
	}
	return "00", strconv.FormatFloat(intent.LimitPx, 'f', 0, 64)
}

// splitAccount splits "12345678-01" into account and product code.
func splitAccount(acct string) (string, string) {
	if i := strings.IndexByte(acct, '-'); i >= 0 {
		return acct[:i], acct[i+1:]
	}
	if len(acct) > 8 {
		return acct[:8], acct[8:]
	}
	return acct, "01"
}

// parseNum converts KIS string-typed numeric fields (often with commas).
func parseNum(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(x, ",", ""), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
