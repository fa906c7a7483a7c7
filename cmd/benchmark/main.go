package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/depositops/internal/normalizer"
)

// Config holds the benchmark settings
var (
	targetURL    string
	concurrency  int
	deposits     int
	duplicates   int
	users        int
	secret       string
	channelToken string
	slipPath     string
	settleWait   time.Duration
)

// Metrics
var (
	initiated     uint64
	initiateFail  uint64
	slipsAccepted uint64
	slipsRejected uint64
	webhooks202   uint64
	webhookFail   uint64
	confirmReplay uint64 // "already_settled"
	confirmFirst  uint64
	settled       uint64
	unsettled     uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.IntVar(&deposits, "deposits", 200, "Deposits to drive end to end")
	flag.IntVar(&duplicates, "duplicates", 5, "Copies of each bank webhook and confirm call, sent concurrently")
	flag.IntVar(&users, "users", 1000, "Seeded wallets (user-0001..)")
	flag.StringVar(&secret, "secret", os.Getenv("BANK_WEBHOOK_SECRET"), "Bank webhook HMAC secret")
	flag.StringVar(&channelToken, "channel-token", os.Getenv("GMAIL_CHANNEL_TOKEN"), "Gmail push channel token")
	flag.StringVar(&slipPath, "slip", "", "Slip image uploaded for every deposit")
	flag.DurationVar(&settleWait, "settle-wait", 30*time.Second, "How long to wait for settlement")
}

type depositView struct {
	DepositID       string `json:"deposit_id"`
	State           string `json:"state"`
	Reason          string `json:"reason"`
	AssignedAccount *struct {
		AccountID     string `json:"account_id"`
		AccountNumber string `json:"account_number"`
	} `json:"assigned_account"`
}

func main() {
	flag.Parse()
	if slipPath == "" {
		log.Fatal("-slip is required")
	}
	slip, err := os.ReadFile(slipPath)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Starting Benchmark: %d deposits | Workers: %d | Duplicates: %d", deposits, concurrency, duplicates)

	start := time.Now()
	jobs := make(chan int)
	var (
		mu  sync.Mutex
		ids []string
		wg  sync.WaitGroup
	)
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 15 * time.Second}
			for n := range jobs {
				if id := drive(client, n, slip); id != "" {
					mu.Lock()
					ids = append(ids, id)
					mu.Unlock()
				}
			}
		}()
	}
	for n := 1; n <= deposits; n++ {
		jobs <- n
	}
	close(jobs)
	wg.Wait()

	verify(ids)
	printResults(time.Since(start))
}

// drive runs one deposit through initiate, slip, duplicated bank and Gmail
// signals. It returns the deposit id.
func drive(client *http.Client, n int, slip []byte) string {
	// unique amounts keep every deposit matchable only by its own transfer
	amount := fmt.Sprintf("%d.%02d", 100+n, n%100)
	user := fmt.Sprintf("user-%04d", rand.Intn(users)+1)

	body, _ := json.Marshal(map[string]string{"user_id": user, "amount": amount, "currency": "THB"})
	var dep depositView
	code, err := call(client, http.MethodPost, "/api/v1/deposits", bytes.NewReader(body), nil, &dep)
	if err != nil || code != http.StatusCreated || dep.AssignedAccount == nil {
		atomic.AddUint64(&initiateFail, 1)
		return ""
	}
	atomic.AddUint64(&initiated, 1)

	code, err = call(client, http.MethodPost, "/api/v1/deposits/"+dep.DepositID+"/slip", bytes.NewReader(slip),
		map[string]string{"Content-Type": "application/octet-stream"}, nil)
	if err != nil || code != http.StatusAccepted {
		atomic.AddUint64(&slipsRejected, 1)
		return dep.DepositID
	}
	atomic.AddUint64(&slipsAccepted, 1)

	txn, _ := json.Marshal(map[string]string{
		"transaction_id": "bench-" + dep.DepositID,
		"account_id":     dep.AssignedAccount.AccountID,
		"amount":         amount,
		"currency":       "THB",
		"transacted_at":  time.Now().UTC().Format(time.RFC3339),
	})
	sig := normalizer.Sign([]byte(secret), txn)

	masked := strings.Repeat("x", 6) + lastFour(dep.AssignedAccount.AccountNumber)
	mail, _ := json.Marshal(map[string]string{
		"message_id":  "bench-mail-" + dep.DepositID,
		"received_at": time.Now().UTC().Format(time.RFC3339),
		"subject":     "Incoming transfer",
		"body":        fmt.Sprintf("Amount: THB %s to account %s", amount, masked),
	})

	var wg sync.WaitGroup
	for i := 0; i < duplicates; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			webhook(client, "/api/v1/webhooks/bank", txn, map[string]string{normalizer.HeaderSignature: sig})
		}()
		go func() {
			defer wg.Done()
			webhook(client, "/api/v1/webhooks/gmail", mail, map[string]string{
				normalizer.HeaderResourceState: "exists",
				normalizer.HeaderChannelToken:  channelToken,
			})
		}()
	}
	wg.Wait()
	return dep.DepositID
}

func webhook(client *http.Client, path string, body []byte, headers map[string]string) {
	code, err := call(client, http.MethodPost, path, bytes.NewReader(body), headers, nil)
	if err != nil || code != http.StatusAccepted {
		atomic.AddUint64(&webhookFail, 1)
		return
	}
	atomic.AddUint64(&webhooks202, 1)
}

// verify waits for each deposit to settle, then hammers confirm to check replays.
func verify(ids []string) {
	client := &http.Client{Timeout: 5 * time.Second}
	deadline := time.Now().Add(settleWait)
	for _, id := range ids {
		for {
			var dep depositView
			code, err := call(client, http.MethodGet, "/api/v1/deposits/"+id, nil, nil, &dep)
			if err == nil && code == http.StatusOK && dep.State == "settled" {
				atomic.AddUint64(&settled, 1)
				break
			}
			if time.Now().After(deadline) {
				atomic.AddUint64(&unsettled, 1)
				break
			}
			time.Sleep(100 * time.Millisecond)
		}

		var wg sync.WaitGroup
		wg.Add(duplicates)
		for i := 0; i < duplicates; i++ {
			go func() {
				defer wg.Done()
				var dep depositView
				code, err := call(client, http.MethodPost, "/api/v1/deposits/"+id+"/confirm", nil, nil, &dep)
				switch {
				case err != nil:
					atomic.AddUint64(&failOther, 1)
				case code == http.StatusOK && dep.Reason == "already_settled":
					atomic.AddUint64(&confirmReplay, 1)
				case code == http.StatusOK:
					atomic.AddUint64(&confirmFirst, 1)
				case code == http.StatusConflict:
					// not matched yet; counted as unsettled above
				default:
					atomic.AddUint64(&failOther, 1)
				}
			}()
		}
		wg.Wait()
	}
}

func call(client *http.Client, method, path string, body *bytes.Reader, headers map[string]string, out any) (int, error) {
	var req *http.Request
	var err error
	if body == nil {
		req, err = http.NewRequest(method, targetURL+path, nil)
	} else {
		req, err = http.NewRequest(method, targetURL+path, body)
	}
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}

func lastFour(number string) string {
	var digits []byte
	for i := 0; i < len(number); i++ {
		if number[i] >= '0' && number[i] <= '9' {
			digits = append(digits, number[i])
		}
	}
	if len(digits) < 4 {
		return string(digits)
	}
	return string(digits[len(digits)-4:])
}

func printResults(d time.Duration) {
	results := map[string]interface{}{
		"duration_sec":       d.Seconds(),
		"deposits_initiated": atomic.LoadUint64(&initiated),
		"initiate_failures":  atomic.LoadUint64(&initiateFail),
		"slips_accepted":     atomic.LoadUint64(&slipsAccepted),
		"slips_rejected":     atomic.LoadUint64(&slipsRejected),
		"webhooks_accepted":  atomic.LoadUint64(&webhooks202),
		"webhook_failures":   atomic.LoadUint64(&webhookFail),
		"settled":            atomic.LoadUint64(&settled),
		"unsettled":          atomic.LoadUint64(&unsettled),
		"confirm_first":      atomic.LoadUint64(&confirmFirst),
		"confirm_replayed":   atomic.LoadUint64(&confirmReplay),
		"errors":             atomic.LoadUint64(&failOther),
	}

	// Print JSON for plotting
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	file, err := os.Create("results_settlement.json")
	if err != nil {
		log.Printf("write results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
