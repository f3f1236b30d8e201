// Package notify доставляет факты о достижениях во внешнюю систему уведомлений.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/tutor-rewards/internal/model"
)

// ErrThrottled возвращается, когда система уведомлений просит повторить запрос позже.
var ErrThrottled = errors.New("notifier throttled")

// Client инкапсулирует HTTP-взаимодействие с системой уведомлений.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент для системы уведомлений по указанному адресу.
func NewClient(baseURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Deliver отправляет один факт. При ответе 429 возвращает ErrThrottled и паузу из Retry-After.
// Любой ответ 2xx считается доставкой; повторная доставка того же факта допустима.
func (c *Client) Deliver(ctx context.Context, a model.Achievement) (time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return 0, fmt.Errorf("notifier client not configured")
	}

	body, err := json.Marshal(a)
	if err != nil {
		return 0, fmt.Errorf("encode achievement: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/achievements", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", a.ID.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return retryAfter, ErrThrottled
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return 0, nil
}
