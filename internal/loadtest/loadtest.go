package loadtest

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const maxInt64 = int64(^uint64(0) >> 1)

// Config controls the load test behavior.
type Config struct {
	BaseURL        string
	JWTSecret      string
	ChallengeID    string
	Role           string
	Users          int
	Concurrency    int
	UserPrefix     string
	UserStart      int
	RequestTimeout time.Duration
	InsecureTLS    bool
	PhasesCSV      string
	// PhasePause is waited between phases so the server can settle.
	PhasePause time.Duration
}

type Phase struct {
	Name   string
	Method string
}

var (
	phaseProvision = Phase{Name: "provision", Method: http.MethodPost}
	phaseStatus    = Phase{Name: "status", Method: http.MethodGet}
	phaseTerminate = Phase{Name: "terminate", Method: http.MethodDelete}

	defaultPhases = []Phase{phaseProvision, phaseStatus, phaseTerminate}
)

func ParsePhases(csv string) ([]Phase, error) {
	if strings.TrimSpace(csv) == "" {
		return defaultPhases, nil
	}
	items := strings.Split(csv, ",")
	phases := make([]Phase, 0, len(items))
	for _, raw := range items {
		name := strings.TrimSpace(strings.ToLower(raw))
		if name == "" {
			continue
		}
		switch name {
		case "provision":
			phases = append(phases, phaseProvision)
		case "status":
			phases = append(phases, phaseStatus)
		case "terminate":
			phases = append(phases, phaseTerminate)
		default:
			return nil, fmt.Errorf("unknown phase: %s", name)
		}
	}
	if len(phases) == 0 {
		return nil, errors.New("no valid phases provided")
	}
	return phases, nil
}

func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return errors.New("base URL is required")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("jwt secret is required")
	}
	if strings.TrimSpace(cfg.ChallengeID) == "" {
		return errors.New("challenge id is required")
	}
	if cfg.Users <= 0 {
		return errors.New("users must be > 0")
	}
	if cfg.Concurrency <= 0 {
		return errors.New("concurrency must be > 0")
	}
	if cfg.UserStart < 0 {
		return errors.New("user start must be >= 0")
	}
	if strings.TrimSpace(cfg.UserPrefix) == "" {
		return errors.New("user prefix is required")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request timeout must be > 0")
	}
	return nil
}

// users holds the token and last known instance of every simulated user.
type users struct {
	tokens []string
	mu     sync.Mutex
	ids    []string
}

func (u *users) instanceID(i int) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ids[i]
}

func (u *users) setInstanceID(i int, id string) {
	u.mu.Lock()
	u.ids[i] = id
	u.mu.Unlock()
}

func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	phases, err := ParsePhases(cfg.PhasesCSV)
	if err != nil {
		return err
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	client := &http.Client{Timeout: cfg.RequestTimeout, Transport: newTransport(cfg)}

	u := &users{tokens: make([]string, cfg.Users), ids: make([]string, cfg.Users)}
	for i := 0; i < cfg.Users; i++ {
		userID := fmt.Sprintf("%s%04d", cfg.UserPrefix, cfg.UserStart+i)
		token, err := signToken(cfg, userID)
		if err != nil {
			return fmt.Errorf("sign token for %s: %w", userID, err)
		}
		u.tokens[i] = token
	}

	for i, phase := range phases {
		if i > 0 && cfg.PhasePause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.PhasePause):
			}
		}
		stats := newStats()
		start := time.Now()
		runPhase(ctx, client, baseURL, cfg, phase, u, stats)
		stats.report(out, phase.Name, time.Since(start))
	}
	return nil
}

type instanceResult struct {
	Instance *struct {
		ID string `json:"id"`
	} `json:"instance"`
}

func runPhase(ctx context.Context, client *http.Client, baseURL string, cfg Config, phase Phase, u *users, stats *stats) {
	jobs := make(chan int)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for idx := range jobs {
			if ctx.Err() != nil {
				return
			}

			req, err := newRequest(ctx, baseURL, cfg, phase, u.tokens[idx], u.instanceID(idx))
			if err != nil {
				stats.record(0, 0, err.Error())
				continue
			}
			start := time.Now()
			resp, err := client.Do(req)
			lat := time.Since(start)
			if err != nil {
				stats.record(0, lat, err.Error())
				continue
			}
			status := resp.StatusCode
			if status < 200 || status >= 300 {
				sample := readSample(resp.Body)
				_ = resp.Body.Close()
				stats.record(status, lat, fmt.Sprintf("status %d: %s", status, sample))
				continue
			}
			if phase == phaseProvision {
				var res instanceResult
				if err := json.NewDecoder(resp.Body).Decode(&res); err == nil && res.Instance != nil {
					u.setInstanceID(idx, res.Instance.ID)
				}
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			stats.record(status, lat, "")
		}
	}

	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go worker()
	}
	for i := 0; i < len(u.tokens); i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()
}

func newRequest(ctx context.Context, baseURL string, cfg Config, phase Phase, token, instanceID string) (*http.Request, error) {
	url := baseURL + "/instances"
	var body io.Reader
	switch phase {
	case phaseProvision:
		data, err := json.Marshal(map[string]string{"challenge_id": cfg.ChallengeID})
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	case phaseStatus:
		if instanceID != "" {
			url += "/" + instanceID
		}
	case phaseTerminate:
		if instanceID == "" {
			return nil, errors.New("no instance to terminate")
		}
		url += "/" + instanceID
	}
	req, err := http.NewRequestWithContext(ctx, phase.Method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func readSample(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(data))
}

func newTransport(cfg Config) *http.Transport {
	tr := &http.Transport{
		MaxIdleConns:        cfg.Concurrency * 2,
		MaxIdleConnsPerHost: cfg.Concurrency * 2,
		IdleConnTimeout:     90 * time.Second,
	}
	if cfg.InsecureTLS {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return tr
}

func signToken(cfg Config, userID string) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    cfg.Role,
		"iat":     time.Now().Unix(),
		"exp":     time.Now().Add(1 * time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(cfg.JWTSecret))
}

type stats struct {
	total      int64
	success    int64
	errors     int64
	sumLatency int64
	minLatency int64
	maxLatency int64
	mu         sync.Mutex
	statuses   map[int]int
	errSamples []string
}

func newStats() *stats {
	return &stats{minLatency: maxInt64, statuses: make(map[int]int)}
}

func (s *stats) record(status int, latency time.Duration, errText string) {
	atomic.AddInt64(&s.total, 1)
	atomic.AddInt64(&s.sumLatency, int64(latency))
	updateMin(&s.minLatency, int64(latency))
	updateMax(&s.maxLatency, int64(latency))
	if status > 0 {
		s.mu.Lock()
		s.statuses[status]++
		s.mu.Unlock()
	}
	if errText != "" {
		atomic.AddInt64(&s.errors, 1)
		s.mu.Lock()
		if len(s.errSamples) < 5 {
			s.errSamples = append(s.errSamples, errText)
		}
		s.mu.Unlock()
		return
	}
	atomic.AddInt64(&s.success, 1)
}

func (s *stats) report(out io.Writer, phase string, elapsed time.Duration) {
	total := atomic.LoadInt64(&s.total)
	success := atomic.LoadInt64(&s.success)
	errors := atomic.LoadInt64(&s.errors)
	sumLatency := atomic.LoadInt64(&s.sumLatency)
	minLatency := time.Duration(atomic.LoadInt64(&s.minLatency))
	maxLatency := time.Duration(atomic.LoadInt64(&s.maxLatency))
	avgLatency := time.Duration(0)
	if total > 0 {
		avgLatency = time.Duration(sumLatency / total)
	}
	if minLatency == time.Duration(maxInt64) {
		minLatency = 0
	}

	fmt.Fprintf(out, "\nPhase %s\n", phase)
	fmt.Fprintf(out, "  Duration: %s\n", elapsed)
	fmt.Fprintf(out, "  Total: %d  Success: %d  Errors: %d\n", total, success, errors)
	fmt.Fprintf(out, "  Latency: min %s  avg %s  max %s\n", minLatency, avgLatency, maxLatency)

	s.mu.Lock()
	if len(s.statuses) > 0 {
		fmt.Fprintf(out, "  Status counts:")
		for code, count := range s.statuses {
			fmt.Fprintf(out, " %d=%d", code, count)
		}
		fmt.Fprintln(out, "")
	}
	if len(s.errSamples) > 0 {
		fmt.Fprintln(out, "  Error samples:")
		for _, sample := range s.errSamples {
			fmt.Fprintf(out, "    - %s\n", sample)
		}
	}
	s.mu.Unlock()
}

func updateMin(ptr *int64, val int64) {
	for {
		cur := atomic.LoadInt64(ptr)
		if val >= cur {
			return
		}
		if atomic.CompareAndSwapInt64(ptr, cur, val) {
			return
		}
	}
}

func updateMax(ptr *int64, val int64) {
	for {
		cur := atomic.LoadInt64(ptr)
		if val <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(ptr, cur, val) {
			return
		}
	}
}
