package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/adrianvm/whalebot/internal/domain"
)

const (
	defaultDataBase  = "https://data-api.polymarket.com"
	defaultGammaBase = "https://gamma-api.polymarket.com"
	defaultCLOBBase  = "https://clob.polymarket.com"

	// Presupuesto compartido entre Data API y Gamma, muy por debajo de
	// los límites documentados.
	defaultRatePerMinute = 100

	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3

	baseRetryWait = 1 * time.Second
	maxRetryWait  = 16 * time.Second
)

// ClientConfig son los knobs del cliente HTTP. Los campos en cero usan
// los defaults de producción.
type ClientConfig struct {
	DataBase      string
	GammaBase     string
	CLOBBase      string
	RatePerMinute int
	Timeout       time.Duration
	MaxRetries    int
}

// Client es el cliente HTTP de las APIs públicas de Polymarket (Data
// API y Gamma) con rate limiting y retries. Implementa
// ports.TradeProvider y ports.MarketProvider.
type Client struct {
	http       *http.Client
	dataBase   string
	gammaBase  string
	clobBase   string
	limiter    *rate.Limiter
	maxRetries int
}

// NewClient crea un Client con la configuración dada.
func NewClient(cfg ClientConfig) *Client {
	if cfg.DataBase == "" {
		cfg.DataBase = defaultDataBase
	}
	if cfg.GammaBase == "" {
		cfg.GammaBase = defaultGammaBase
	}
	if cfg.CLOBBase == "" {
		cfg.CLOBBase = defaultCLOBBase
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = defaultRatePerMinute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Client{
		http:       &http.Client{Timeout: cfg.Timeout},
		dataBase:   cfg.DataBase,
		gammaBase:  cfg.GammaBase,
		clobBase:   cfg.CLOBBase,
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), 5),
		maxRetries: cfg.MaxRetries,
	}
}

// get hace un GET con rate limiting y retries.
func (c *Client) get(ctx context.Context, url string, out any) error {
	return c.doWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return c.http.Do(req)
	}, out)
}

// post hace un POST JSON con rate limiting y retries.
func (c *Client) post(ctx context.Context, url string, body, out any) error {
	return c.doWithRetry(ctx, func() (*http.Response, error) {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return c.http.Do(req)
	}, out)
}

// doWithRetry ejecuta la request con backoff exponencial. Clasifica los
// fallos: red y 5xx reintentan y agotan en TransientError, 429 respeta
// Retry-After y agota en RateLimitError, 401/403 devuelven AuthError
// sin reintentar, el resto de 4xx y los JSON malformados son
// ProtocolError.
func (c *Client) doWithRetry(ctx context.Context, fn func() (*http.Response, error), out any) error {
	for attempt := 0; ; attempt++ {
		exhausted := attempt >= c.maxRetries

		if err := c.limiter.Wait(ctx); err != nil {
			return &domain.TransientError{Op: "polymarket.request", Err: err}
		}

		resp, err := fn()
		if err != nil {
			if exhausted {
				return &domain.TransientError{
					Op:  "polymarket.request",
					Err: fmt.Errorf("after %d retries: %w", c.maxRetries, err),
				}
			}
			c.sleep(ctx, attempt, 0)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			if exhausted {
				return &domain.RateLimitError{
					Op:         "polymarket.request",
					RetryAfter: retryAfter,
					Err:        fmt.Errorf("status %d", resp.StatusCode),
				}
			}
			slog.Warn("rate limited by API", "attempt", attempt+1, "retry_after", retryAfter)
			c.sleep(ctx, attempt, retryAfter)

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return &domain.AuthError{
				Op:  "polymarket.request",
				Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(body)),
			}

		case resp.StatusCode >= 500:
			resp.Body.Close()
			if exhausted {
				return &domain.TransientError{
					Op:  "polymarket.request",
					Err: fmt.Errorf("server error %d after %d retries", resp.StatusCode, c.maxRetries),
				}
			}
			c.sleep(ctx, attempt, 0)

		case resp.StatusCode >= 400:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return &domain.ProtocolError{
				Op:     "polymarket.request",
				Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, truncateBody(body)),
			}

		default:
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			if err != nil {
				return &domain.ProtocolError{Op: "polymarket.request", Detail: "decode response", Err: err}
			}
			return nil
		}
	}
}

// sleep espera con backoff exponencial (1s, 2s, 4s... cap 16s),
// respetando Retry-After si es mayor, y el contexto siempre.
func (c *Client) sleep(ctx context.Context, attempt int, retryAfter time.Duration) {
	wait := baseRetryWait << attempt
	if wait > maxRetryWait {
		wait = maxRetryWait
	}
	if retryAfter > wait {
		wait = retryAfter
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

// parseRetryAfter interpreta el header Retry-After en segundos.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncateBody(b []byte) string {
	const maxLen = 200
	if len(b) > maxLen {
		return string(b[:maxLen]) + "..."
	}
	return string(b)
}
