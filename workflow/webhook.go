package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
)

var ErrWebhookStatus = errors.New("webhook returned non-2xx status")

type WebhookRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    map[string]any
}

type WebhookResponse struct {
	StatusCode int
	Body       string
}

// WebhookClient 出站 http 调用, 只关心状态码
type WebhookClient interface {
	Do(ctx context.Context, req *WebhookRequest) (*WebhookResponse, error)
}

type WebhookClientConfig struct {
	Timeout time.Duration
	// 熔断配置, 按目标 host 分别熔断
	BreakerMaxRequests      uint32
	BreakerInterval         time.Duration
	BreakerOpenTimeout      time.Duration
	BreakerConsecutiveFails uint32
}

func DefaultWebhookClientConfig() *WebhookClientConfig {
	return &WebhookClientConfig{
		Timeout:                 10 * time.Second,
		BreakerMaxRequests:      1,
		BreakerInterval:         time.Minute,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerConsecutiveFails: 5,
	}
}

type httpWebhookClient struct {
	client   *http.Client
	config   *WebhookClientConfig
	breakers sync.Map // host -> *gobreaker.CircuitBreaker
}

func NewWebhookClient(config *WebhookClientConfig) WebhookClient {
	if config == nil {
		config = DefaultWebhookClientConfig()
	}
	return &httpWebhookClient{
		client: &http.Client{Timeout: config.Timeout},
		config: config,
	}
}

func (c *httpWebhookClient) breaker(host string) *gobreaker.CircuitBreaker {
	if cb, ok := c.breakers.Load(host); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}
	consecutiveFails := c.config.BreakerConsecutiveFails
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook:" + host,
		MaxRequests: c.config.BreakerMaxRequests,
		Interval:    c.config.BreakerInterval,
		Timeout:     c.config.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return consecutiveFails > 0 && counts.ConsecutiveFailures >= consecutiveFails
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn(fmt.Sprintf("circuit breaker %s changed from %s to %s", name, from, to))
		},
	})
	actual, _ := c.breakers.LoadOrStore(host, cb)
	return actual.(*gobreaker.CircuitBreaker)
}

func (c *httpWebhookClient) Do(ctx context.Context, req *WebhookRequest) (*WebhookResponse, error) {
	if req == nil {
		return nil, errors.New("nil WebhookRequest")
	}
	target, err := url.Parse(req.URL)
	if err != nil || target.Host == "" {
		return nil, errors.WithMessagef(ErrActionConfigInvalid, "invalid webhook url: %s", req.URL)
	}
	body, err := json.Marshal(req.Body)
	if err != nil {
		return nil, errors.WithMessage(err, "marshal webhook body failed")
	}
	ret, err := c.breaker(target.Host).Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(body))
		if err != nil {
			return nil, errors.WithMessage(err, "build webhook request failed")
		}
		httpReq.Header.Set("Content-Type", "application/json")
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}
		resp, err := c.client.Do(httpReq)
		if err != nil {
			return nil, errors.WithMessagef(err, "webhook request failed, url: %s", req.URL)
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		webhookResp := &WebhookResponse{StatusCode: resp.StatusCode, Body: string(respBody)}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			// 非2xx计入熔断失败
			return webhookResp, errors.WithMessagef(ErrWebhookStatus, "url: %s, status: %d", req.URL, resp.StatusCode)
		}
		return webhookResp, nil
	})
	webhookResp, _ := ret.(*WebhookResponse)
	if err != nil {
		return webhookResp, err
	}
	return webhookResp, nil
}
