// README: Smoke cases: environment checks, one full batch through the HTTP API, a concurrent scan race and a throughput probe.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"farmdrop/internal/modules/delivery"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// flow state shared by the sequential API cases
	orderID     string
	batchID     string
	batchNumber int
	stopID      string
	boxCode     string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
			defer db.Close()
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
		defer r.redis.Close()
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkPostgres},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Env: Kafka connect", Run: checkKafka},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: checkTables},
		{Name: "API: health", Run: checkHealth},
		{Name: "API: missing token -> 401", Run: checkUnauthenticated},

		flowCase("Flow: consumer creates order", createOrder),
		flowCase("Flow: admin creates batch", createBatch),
		flowCase("Flow: admin assigns order", assignOrder),
		flowCase("Flow: driver claims and starts batch", claimAndStart),
		flowCase("Flow: delivered before loaded -> 409", deliveredBeforeLoaded),
		flowCase("Flow: concurrent loaded scans log once", concurrentLoaded),
		flowCase("Flow: address visible after pickup", addressVisible),
		flowCase("Flow: delivered scan completes batch", deliverAndComplete),
		flowCase("Flow: payouts pending for batch", checkPayouts),
		flowCase("Consistency: one loaded scan row", checkScanRows),

		{Name: "Perf: health throughput", Run: perfHealth},
	}
}

// flowCase skips the API flow when tokens are missing or an earlier step failed.
func flowCase(name string, run func(ctx context.Context, r *Runner) Result) TestCase {
	return TestCase{
		Name: name,
		Run: func(ctx context.Context, r *Runner) Result {
			if !r.cfg.hasTokens() {
				return Result{Status: statusSkip, Note: "admin/driver/consumer tokens not set"}
			}
			return run(ctx, r)
		},
	}
}

func checkPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "db not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: statusSkip, Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func checkKafka(ctx context.Context, r *Runner) Result {
	if r.cfg.KafkaBroker == "" {
		return Result{Status: statusSkip, Note: "kafka not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	conn, err := kafka.DialContext(ctx, "tcp", r.cfg.KafkaBroker)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	defer conn.Close()
	brokers, err := conn.Brokers()
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("brokers=%d", len(brokers))}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: statusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
	}
	return Result{Status: statusPass}
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
}

func checkHealth(ctx context.Context, r *Runner) Result {
	status, latency, err := r.call(ctx, http.MethodGet, "/health", "", nil, nil)
	return expect(status, latency, err, http.StatusOK)
}

func checkUnauthenticated(ctx context.Context, r *Runner) Result {
	status, latency, err := r.call(ctx, http.MethodGet, "/api/payouts", "", nil, nil)
	return expect(status, latency, err, http.StatusUnauthorized)
}

func deliveryDate() string {
	return time.Now().UTC().AddDate(0, 0, 1).Format(time.DateOnly)
}

func createOrder(ctx context.Context, r *Runner) Result {
	var out struct {
		ID string `json:"id"`
	}
	status, latency, err := r.call(ctx, http.MethodPost, "/api/orders", r.cfg.ConsumerToken, map[string]any{
		"items": []map[string]any{
			{"product_id": "bench-eggs", "farmer_id": "bench-farmer", "quantity": 2, "unit_price_cents": 500},
		},
		"delivery_fee_cents": 750,
		"delivery_date":      deliveryDate(),
		"address":            map[string]any{"line1": "1 Bench Lane", "city": "Springfield", "region": "IL", "zip": "62701"},
		"payment_authorized": true,
		"payment_ref":        "bench-auth",
	}, &out)
	res := expect(status, latency, err, http.StatusCreated)
	r.orderID = out.ID
	return res
}

func createBatch(ctx context.Context, r *Runner) Result {
	if r.orderID == "" {
		return Result{Status: statusSkip, Note: "no order"}
	}
	r.batchNumber = int(time.Now().Unix() % 1_000_000)
	var out struct {
		ID string `json:"id"`
	}
	status, latency, err := r.call(ctx, http.MethodPost, "/api/batches", r.cfg.AdminToken, map[string]any{
		"number":        r.batchNumber,
		"delivery_date": deliveryDate(),
		"collection_point": map[string]any{
			"id": "bench-cp", "name": "Bench Market", "lead_farmer_id": "bench-lead",
		},
	}, &out)
	res := expect(status, latency, err, http.StatusCreated)
	r.batchID = out.ID
	return res
}

func assignOrder(ctx context.Context, r *Runner) Result {
	if r.batchID == "" {
		return Result{Status: statusSkip, Note: "no batch"}
	}
	var out struct {
		BoxCode string `json:"box_code"`
	}
	status, latency, err := r.call(ctx, http.MethodPost, "/api/batches/"+r.batchID+"/orders", r.cfg.AdminToken,
		map[string]any{"order_id": r.orderID, "sequence": 1}, &out)
	res := expect(status, latency, err, http.StatusOK)
	if res.Status == statusPass && out.BoxCode != delivery.FormatBoxCode(r.batchNumber, 1) {
		return Result{Status: statusFail, Note: "unexpected box code " + out.BoxCode}
	}
	r.boxCode = out.BoxCode
	return res
}

func claimAndStart(ctx context.Context, r *Runner) Result {
	if r.boxCode == "" {
		return Result{Status: statusSkip, Note: "no assigned order"}
	}
	status, _, err := r.call(ctx, http.MethodPost, "/api/batches/"+r.batchID+"/claim", r.cfg.DriverToken, nil, nil)
	if res := expect(status, 0, err, http.StatusOK); res.Status != statusPass {
		return res
	}
	status, latency, err := r.call(ctx, http.MethodPost, "/api/batches/"+r.batchID+"/start", r.cfg.DriverToken, nil, nil)
	return expect(status, latency, err, http.StatusOK)
}

func (r *Runner) scan(ctx context.Context, scanType string) (int, time.Duration, error) {
	return r.call(ctx, http.MethodPost, "/api/batches/"+r.batchID+"/scans", r.cfg.DriverToken,
		map[string]any{"box_code": r.boxCode, "type": scanType}, nil)
}

func deliveredBeforeLoaded(ctx context.Context, r *Runner) Result {
	if r.boxCode == "" {
		return Result{Status: statusSkip, Note: "no assigned order"}
	}
	status, latency, err := r.scan(ctx, string(delivery.ScanDelivered))
	return expect(status, latency, err, http.StatusConflict)
}

func concurrentLoaded(ctx context.Context, r *Runner) Result {
	if r.boxCode == "" {
		return Result{Status: statusSkip, Note: "no assigned order"}
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dupes   int
		other   []int
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _, err := r.scan(ctx, string(delivery.ScanLoaded))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				other = append(other, 0)
			case status == http.StatusCreated:
				created++
			case status == http.StatusOK:
				dupes++
			default:
				other = append(other, status)
			}
		}()
	}
	wg.Wait()

	note := fmt.Sprintf("created=%d duplicate=%d other=%v", created, dupes, other)
	if created != 1 || len(other) > 0 {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Note: note}
}

func addressVisible(ctx context.Context, r *Runner) Result {
	var batch struct {
		Stops []struct {
			ID string `json:"id"`
		} `json:"stops"`
	}
	status, _, err := r.call(ctx, http.MethodGet, "/api/batches/"+r.batchID, r.cfg.DriverToken, nil, &batch)
	if res := expect(status, 0, err, http.StatusOK); res.Status != statusPass {
		return res
	}
	if len(batch.Stops) != 1 {
		return Result{Status: statusFail, Note: fmt.Sprintf("stops=%d", len(batch.Stops))}
	}
	r.stopID = batch.Stops[0].ID

	var addr struct {
		Visible bool `json:"visible"`
	}
	status, latency, err := r.call(ctx, http.MethodGet, "/api/stops/"+r.stopID+"/address", r.cfg.DriverToken, nil, &addr)
	res := expect(status, latency, err, http.StatusOK)
	if res.Status == statusPass && !addr.Visible {
		return Result{Status: statusFail, Note: "address still hidden"}
	}
	return res
}

func deliverAndComplete(ctx context.Context, r *Runner) Result {
	if r.boxCode == "" {
		return Result{Status: statusSkip, Note: "no assigned order"}
	}
	status, latency, err := r.scan(ctx, string(delivery.ScanDelivered))
	if res := expect(status, latency, err, http.StatusCreated); res.Status != statusPass {
		return res
	}
	var batch struct {
		Status string `json:"status"`
	}
	status, _, err = r.call(ctx, http.MethodGet, "/api/batches/"+r.batchID, r.cfg.AdminToken, nil, &batch)
	if res := expect(status, 0, err, http.StatusOK); res.Status != statusPass {
		return res
	}
	if batch.Status != string(delivery.BatchCompleted) {
		return Result{Status: statusFail, Note: "batch status " + batch.Status}
	}
	return Result{Status: statusPass, Latency: latency}
}

func checkPayouts(ctx context.Context, r *Runner) Result {
	if r.batchID == "" {
		return Result{Status: statusSkip, Note: "no batch"}
	}
	var out struct {
		Payouts []struct {
			RecipientType string `json:"recipient_type"`
			Status        string `json:"status"`
		} `json:"payouts"`
	}
	status, latency, err := r.call(ctx, http.MethodGet, "/api/payouts?batch_id="+r.batchID, r.cfg.AdminToken, nil, &out)
	if res := expect(status, latency, err, http.StatusOK); res.Status != statusPass {
		return res
	}
	kinds := map[string]int{}
	for _, p := range out.Payouts {
		if p.Status != string(delivery.PayoutPending) {
			return Result{Status: statusFail, Note: "payout not pending: " + p.Status}
		}
		kinds[p.RecipientType]++
	}
	if kinds[string(delivery.RecipientDriver)] != 1 || kinds[string(delivery.RecipientFarmer)] == 0 {
		return Result{Status: statusFail, Note: fmt.Sprintf("payouts=%v", kinds)}
	}
	return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("payouts=%v", kinds)}
}

func checkScanRows(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "db not configured"}
	}
	if r.orderID == "" {
		return Result{Status: statusSkip, Note: "no order"}
	}
	var n int
	err := r.db.QueryRow(ctx,
		"SELECT count(*) FROM scan_events WHERE order_id=$1 AND type=$2",
		r.orderID, string(delivery.ScanLoaded),
	).Scan(&n)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if n != 1 {
		return Result{Status: statusFail, Note: fmt.Sprintf("loaded rows=%d", n)}
	}
	return Result{Status: statusPass}
}

func perfHealth(ctx context.Context, r *Runner) Result {
	end := time.Now().Add(r.cfg.Duration)
	var (
		count, errCount int64
		mu              sync.Mutex
		wg              sync.WaitGroup
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				status, _, err := r.call(ctx, http.MethodGet, "/health", "", nil, nil)
				mu.Lock()
				if err != nil || status != http.StatusOK {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

// call sends body as JSON and decodes a 2xx response into out when out is non-nil.
func (r *Runner) call(ctx context.Context, method, path, token string, body, out any) (int, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	latency := time.Since(start)
	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, latency, err
		}
		return resp.StatusCode, latency, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, latency, nil
}

func expect(status int, latency time.Duration, err error, want int) Result {
	if err != nil {
		return Result{Status: statusFail, Latency: latency, Note: err.Error()}
	}
	if status != want {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d", status, want)}
	}
	return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
