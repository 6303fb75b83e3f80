// Package twocaptcha implements crawler.CaptchaSolver against the 2Captcha
// HTTP API: a task is submitted to in.php and res.php is polled until a token
// is ready.
package twocaptcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/detector"
)

const (
	defaultBaseURL      = "https://2captcha.com"
	defaultPollInterval = 5 * time.Second
	defaultTimeout      = 2 * time.Minute
	notReady            = "CAPCHA_NOT_READY"
)

// Config controls the solver.
type Config struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	Timeout      time.Duration
}

// Solver submits challenges and waits for the worker pool to answer.
type Solver struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New validates cfg. client may be nil.
func New(cfg Config, client *http.Client, logger *zap.Logger) (*Solver, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("twocaptcha: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Solver{cfg: cfg, client: client, logger: logger.Named("twocaptcha")}, nil
}

type apiResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Solve returns the response token for challenge.
func (s *Solver) Solve(ctx context.Context, challenge crawler.Challenge) (string, error) {
	form := url.Values{
		"key":     {s.cfg.APIKey},
		"pageurl": {challenge.PageURL},
		"json":    {"1"},
	}
	switch challenge.Kind {
	case detector.KindRecaptcha:
		form.Set("method", "userrecaptcha")
		form.Set("googlekey", challenge.SiteKey)
	case detector.KindHCaptcha:
		form.Set("method", "hcaptcha")
		form.Set("sitekey", challenge.SiteKey)
	default:
		return "", fmt.Errorf("twocaptcha: unsupported challenge %q", challenge.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	taskID, err := s.submit(ctx, form)
	if err != nil {
		return "", err
	}
	s.logger.Debug("captcha submitted", zap.String("task_id", taskID), zap.String("kind", challenge.Kind))

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("twocaptcha: wait for task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
		token, ready, err := s.poll(ctx, taskID)
		if err != nil {
			return "", err
		}
		if ready {
			s.logger.Info("captcha solved", zap.String("task_id", taskID))
			return token, nil
		}
	}
}

func (s *Solver) submit(ctx context.Context, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/in.php", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("twocaptcha: build submit: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.do(req)
	if err != nil {
		return "", fmt.Errorf("twocaptcha: submit: %w", err)
	}
	if resp.Status != 1 {
		return "", fmt.Errorf("twocaptcha: submit rejected: %s", resp.Request)
	}
	return resp.Request, nil
}

func (s *Solver) poll(ctx context.Context, taskID string) (string, bool, error) {
	q := url.Values{
		"key":    {s.cfg.APIKey},
		"action": {"get"},
		"id":     {taskID},
		"json":   {"1"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/res.php?"+q.Encode(), nil)
	if err != nil {
		return "", false, fmt.Errorf("twocaptcha: build poll: %w", err)
	}
	resp, err := s.do(req)
	if err != nil {
		return "", false, fmt.Errorf("twocaptcha: poll %s: %w", taskID, err)
	}
	switch {
	case resp.Status == 1:
		return resp.Request, true, nil
	case resp.Request == notReady:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("twocaptcha: task %s failed: %s", taskID, resp.Request)
	}
}

func (s *Solver) do(req *http.Request) (apiResponse, error) {
	res, err := s.client.Do(req)
	if err != nil {
		return apiResponse{}, err
	}
	defer func() {
		if cerr := res.Body.Close(); cerr != nil {
			s.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	if res.StatusCode != http.StatusOK {
		return apiResponse{}, fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	var out apiResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return apiResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
