package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-exec/internal/app"
	"github.com/ksred/klear-exec/internal/config"
	"github.com/ksred/klear-exec/internal/events"
	"github.com/ksred/klear-exec/internal/types"
)

var (
	startPrices = map[string]float64{"AAPL": 190, "MSFT": 410, "NVDA": 880, "AMZN": 180, "META": 500}
	strategies  = []string{"momentum", "mean-revert", "breakout", "pairs"}
	accounts    = []string{"paper-1", "paper-2"}
)

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
}

// routeStats tracks latency for one API endpoint
type routeStats struct {
	mu        sync.Mutex
	name      string
	durations []time.Duration
	failures  int
}

func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	if failed {
		rs.failures++
	}
}

// percentiles returns min, median, p95 and max
func (rs *routeStats) percentiles() (min, median, p95, max time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0
	}
	sorted := append([]time.Duration(nil), rs.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(float64(len(sorted))*0.95)) - 1
	return sorted[0], sorted[len(sorted)/2], sorted[idx], sorted[len(sorted)-1]
}

// simulationClient drives the HTTP API the way a strategy runner would
type simulationClient struct {
	baseURL string
	token   string
	client  *http.Client
	signals routeStats
	reads   routeStats

	mu       sync.Mutex
	outcomes map[string]int
}

func newSimulationClient(baseURL string, creds map[string]string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		signals:  routeStats{name: "Submit Signal"},
		reads:    routeStats{name: "Get Order"},
		outcomes: make(map[string]int),
	}

	body, _ := json.Marshal(creds)
	resp, err := sc.client.Post(baseURL+"/api/v1/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	sc.token = result.Data.Token
	return sc, nil
}

func (sc *simulationClient) submit(sig types.TradeSignal) (types.SignalResult, error) {
	start := time.Now()
	body, err := json.Marshal(sig)
	if err != nil {
		return types.SignalResult{}, err
	}
	req, err := http.NewRequest(http.MethodPost, sc.baseURL+"/api/v1/signals", bytes.NewReader(body))
	if err != nil {
		return types.SignalResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+sc.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.New().String())

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.signals.record(time.Since(start), true)
		return types.SignalResult{}, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	sc.signals.record(time.Since(start), resp.StatusCode >= 500)

	var result struct {
		Data types.SignalResult `json:"data"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return types.SignalResult{}, fmt.Errorf("failed to decode response: %w, body: %s", err, string(raw))
	}

	key := string(result.Data.Status)
	if result.Data.Reason != "" {
		key += ":" + result.Data.Reason
	}
	sc.mu.Lock()
	sc.outcomes[key]++
	sc.mu.Unlock()
	return result.Data, nil
}

func (sc *simulationClient) getOrder(orderID string) error {
	start := time.Now()
	req, err := http.NewRequest(http.MethodGet, sc.baseURL+"/api/v1/orders/"+orderID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+sc.token)
	resp, err := sc.client.Do(req)
	if err != nil {
		sc.reads.record(time.Since(start), true)
		return err
	}
	resp.Body.Close()
	sc.reads.record(time.Since(start), resp.StatusCode != http.StatusOK)
	return nil
}

// market random-walks prices and pushes them to the paper venue
type market struct {
	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
}

func (m *market) step(set func(string, float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for symbol, px := range m.prices {
		px *= 1 + m.rng.NormFloat64()*0.002
		m.prices[symbol] = math.Round(px*100) / 100
		set(symbol, m.prices[symbol])
	}
}

func (m *market) price(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prices[symbol]
}

func simulationConfig() config.Config {
	cfg := config.Default()
	cfg.DB.DSN = ":memory:"
	cfg.Risk.MarketHours.Enabled = false
	cfg.Risk.MaxPositionSize = 0.05
	cfg.Broker.Accounts = accounts
	cfg.Engine.MonitorInterval = 200 * time.Millisecond
	cfg.Engine.ReconcileInterval = 5 * time.Second
	cfg.Performance.MaxConsecutiveLosses = 6
	cfg.Rotation.Schedule = "@every 5s"
	cfg.Rotation.ApplySizeAdvisories = true
	cfg.Rotation.Rules = []config.RotationRuleConfig{
		{Name: "low-win-rate", Metric: "win_rate", Operator: "<", Threshold: 0.3, Action: "disable", MinTradesRequired: 8},
		{Name: "losing-streak", Metric: "consecutive_losses", Operator: ">=", Threshold: 4, Action: "pause"},
		{Name: "underwater", Metric: "total_pnl", Operator: "<", Threshold: 0, Action: "reduce_size", MinTradesRequired: 3},
	}
	return cfg
}

func main() {
	duration := flag.Duration("duration", 30*time.Second, "how long to run")
	workers := flag.Int("workers", 4, "concurrent signal sources")
	flag.Parse()

	gin.SetMode(gin.ReleaseMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := simulationConfig()
	mem := &events.Memory{}
	backbone, err := app.New(ctx, cfg, mem)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize execution backbone")
	}
	backbone.Start()
	srv := httptest.NewServer(backbone.Router())
	defer srv.Close()

	mkt := &market{rng: rand.New(rand.NewSource(time.Now().UnixNano())), prices: make(map[string]float64)}
	for symbol, px := range startPrices {
		mkt.prices[symbol] = px
	}
	mkt.step(backbone.Broker.SetPrice)

	client, err := newSimulationClient(srv.URL, map[string]string{"api_key": cfg.Auth.APIKey, "api_secret": cfg.Auth.APISecret})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	runCtx, stop := context.WithTimeout(ctx, *duration)
	defer stop()

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				mkt.step(backbone.Broker.SetPrice)
			}
		}
	}()

	started := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(runCtx, workerID, client, mkt)
		}(i)
	}
	wg.Wait()

	// let the monitor settle outstanding fills
	time.Sleep(2 * cfg.Engine.MonitorInterval)
	backbone.Supervisor.RunOnce(ctx)

	printSummary(backbone, client, mem, time.Since(started))

	if err := backbone.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Shutdown incomplete")
	}
}

// runWorker emits signals for random strategies, alternating between opening
// and closing so strategies accumulate round trips.
func runWorker(ctx context.Context, workerID int, client *simulationClient, mkt *market) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	symbols := make([]string, 0, len(startPrices))
	for s := range startPrices {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	open := make(map[string]types.TradeSignal)
	for ctx.Err() == nil {
		strategy := strategies[rng.Intn(len(strategies))]
		var sig types.TradeSignal
		prev, closing := open[strategy]
		if closing && rng.Float64() < 0.6 {
			sig = prev
			sig.Side = prev.Side.Opposite()
		} else {
			closing = false
			sig = types.TradeSignal{
				StrategyID:   strategy,
				Symbol:       symbols[rng.Intn(len(symbols))],
				Side:         []types.OrderSide{types.SideBuy, types.SideSell}[rng.Intn(2)],
				Quantity:     float64(rng.Intn(20) + 1),
				AccountGroup: accounts[rng.Intn(len(accounts))],
			}
		}
		sig.OrderType = types.OrderTypeMarket
		sig.Price = mkt.price(sig.Symbol)

		res, err := client.submit(sig)
		switch {
		case err != nil:
			log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to submit signal")
		case res.Status == types.SignalSuccess:
			if closing {
				delete(open, strategy)
			} else {
				open[strategy] = sig
			}
			client.getOrder(res.OrderID)
		}

		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(rng.Intn(250)+50) * time.Millisecond):
		}
	}
}

func printSummary(backbone *app.App, client *simulationClient, mem *events.Memory, elapsed time.Duration) {
	fmt.Println("\n" + strings.Repeat("=", 90))
	fmt.Println("PAPER TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 90))

	session := backbone.Engine.Session()
	fmt.Printf("Duration: %v   Trades today: %d   Session P&L: %.2f   Fills: %d\n\n",
		elapsed.Round(time.Millisecond), session.TradesToday, session.DailyPnL, len(mem.OfType(events.TypeFill)))

	fmt.Println("Signal outcomes")
	fmt.Println(strings.Repeat("-", 50))
	keys := make([]string, 0, len(client.outcomes))
	for k := range client.outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-40s %6d\n", k, client.outcomes[k])
	}

	fmt.Println("\nStrategies")
	fmt.Println(strings.Repeat("-", 90))
	fmt.Printf("%-14s %-14s %7s %9s %11s %10s %8s\n", "Strategy", "Status", "Trades", "Win rate", "Total P&L", "Max DD", "Streak")
	for _, p := range backbone.Ledger.All() {
		fmt.Printf("%-14s %-14s %7d %8.1f%% %11.2f %10.2f %8d\n",
			p.StrategyID, p.Status, p.TotalTrades, p.WinRate*100, p.TotalPnL, p.MaxDrawdown, p.ConsecutiveLosses)
	}

	if history := backbone.Supervisor.History(); len(history) > 0 {
		fmt.Println("\nRotation actions")
		fmt.Println(strings.Repeat("-", 90))
		for _, t := range history {
			fmt.Printf("%s  %-12s %-11s %-14s %s=%.3f (threshold %.3f)\n",
				t.TriggeredAt.Format("15:04:05"), t.StrategyID, t.Action, t.RuleName, t.Metric, t.Value, t.Threshold)
		}
	}

	fmt.Println("\nPositions")
	fmt.Println(strings.Repeat("-", 90))
	for _, acct := range accounts {
		for _, pos := range backbone.Engine.Positions(acct) {
			fmt.Printf("%-8s %-6s %8.0f @ %9.2f  mark %9.2f\n", acct, pos.Symbol, pos.Quantity, pos.AvgCost, pos.MarketPrice)
		}
	}

	fmt.Println("\nAPI latency")
	fmt.Println(strings.Repeat("-", 90))
	fmt.Printf("%-16s %8s %8s %10s %10s %10s %10s\n", "Endpoint", "Calls", "Errors", "Min", "Median", "P95", "Max")
	for _, rs := range []*routeStats{&client.signals, &client.reads} {
		min, median, p95, max := rs.percentiles()
		fmt.Printf("%-16s %8d %8d %10s %10s %10s %10s\n", rs.name, len(rs.durations), rs.failures,
			min.Round(time.Microsecond), median.Round(time.Microsecond), p95.Round(time.Microsecond), max.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("=", 90))
}
