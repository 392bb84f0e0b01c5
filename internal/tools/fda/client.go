// Package fda 封装 openFDA 药品不良事件接口，并将其暴露为智能体工具。
package fda

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"pharmassist/internal/cache"
	xerrors "pharmassist/internal/errors"
)

const (
	defaultBaseURL = "https://api.fda.gov"
	eventPath      = "/drug/event.json"
	maxLimit       = 100
	notAvailable   = "N/A"
)

// Config 描述 openFDA 客户端参数。
type Config struct {
	BaseURL      string
	APIKey       string
	DefaultLimit int
	RateLimit    float64
	Timeout      time.Duration
	Cache        cache.Cache
	CacheTTL     time.Duration
	HTTPClient   *http.Client
}

// Event 是从一份不良事件报告中提取的关键信息。
type Event struct {
	ReceiveDate    string   `json:"receivedate"`
	SafetyReportID string   `json:"safetyreportid"`
	DrugNames      []string `json:"drug_names"`
	Reactions      []string `json:"reactions"`
	Outcomes       []string `json:"outcomes"`
}

// Client 调用 openFDA drug event 接口。
type Client struct {
	baseURL      string
	apiKey       string
	defaultLimit int
	httpClient   *http.Client
	limiter      *rate.Limiter
	cache        cache.Cache
	cacheTTL     time.Duration
}

// NewClient 创建 openFDA 客户端。
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	limit := cfg.DefaultLimit
	if limit <= 0 {
		limit = 10
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return &Client{
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		defaultLimit: limit,
		httpClient:   httpClient,
		limiter:      limiter,
		cache:        cfg.Cache,
		cacheTTL:     cfg.CacheTTL,
	}
}

type eventResponse struct {
	Results []struct {
		ReceiveDate    *string `json:"receivedate"`
		SafetyReportID *string `json:"safetyreportid"`
		Patient        *struct {
			Drug []struct {
				MedicinalProduct *string `json:"medicinalproduct"`
			} `json:"drug"`
			Reaction []struct {
				ReactionMedDRAPT *string         `json:"reactionmeddrapt"`
				ReactionOutcome  json.RawMessage `json:"reactionoutcome"`
			} `json:"reaction"`
		} `json:"patient"`
	} `json:"results"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// AdverseEvents 查询指定药品最近的不良事件报告，按接收日期倒序。
// limit <= 0 时使用默认值，超过 100 时截断为 100。
func (c *Client) AdverseEvents(ctx context.Context, drug string, limit int) ([]Event, error) {
	drug = strings.TrimSpace(drug)
	if drug == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "药品名称不能为空")
	}
	if limit <= 0 {
		limit = c.defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	key := fmt.Sprintf("fda:%s:%d", strings.ToUpper(drug), limit)
	var cached []Event
	if hit, err := cache.GetJSON(ctx, c.cache, "fda", key, &cached); err == nil && hit {
		return cached, nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "等待 openFDA 限流许可失败")
		}
	}

	payload, err := c.fetch(ctx, drug, limit)
	if err != nil {
		return nil, err
	}
	events := extractEvents(payload, drug)
	_ = cache.SetJSON(ctx, c.cache, key, events, c.cacheTTL)
	return events, nil
}

func (c *Client) fetch(ctx context.Context, drug string, limit int) (*eventResponse, error) {
	query := url.Values{}
	query.Set("search", fmt.Sprintf("patient.drug.medicinalproduct:%q", drug))
	query.Set("limit", strconv.Itoa(limit))
	query.Set("sort", "receivedate:desc")
	if c.apiKey != "" {
		query.Set("api_key", c.apiKey)
	}
	endpoint := c.baseURL + eventPath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("构建 openFDA 请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "请求 openFDA 超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "请求 openFDA 失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "读取 openFDA 响应失败")
	}

	var decoded eventResponse
	decodeErr := json.Unmarshal(body, &decoded)

	// openFDA 在没有匹配记录时返回 404 + NOT_FOUND。
	if resp.StatusCode == http.StatusNotFound && decodeErr == nil && decoded.Error != nil && decoded.Error.Code == "NOT_FOUND" {
		return &eventResponse{}, nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg := strings.TrimSpace(string(body))
		if decodeErr == nil && decoded.Error != nil {
			msg = decoded.Error.Message
		}
		code := xerrors.CodeUpstreamUnavailable
		opts := []xerrors.Option{xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode))}
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			opts = append(opts, xerrors.WithRetryable(false))
		}
		return nil, xerrors.New(code, fmt.Sprintf("openFDA 返回错误状态 %d: %s", resp.StatusCode, msg), opts...)
	}
	if decodeErr != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, decodeErr, "解析 openFDA 响应失败")
	}
	return &decoded, nil
}

func extractEvents(payload *eventResponse, drug string) []Event {
	needle := strings.ToUpper(drug)
	events := make([]Event, 0, len(payload.Results))
	for _, result := range payload.Results {
		event := Event{
			ReceiveDate:    valueOr(result.ReceiveDate),
			SafetyReportID: valueOr(result.SafetyReportID),
			DrugNames:      []string{},
			Reactions:      []string{},
			Outcomes:       []string{},
		}
		if result.Patient != nil {
			for _, d := range result.Patient.Drug {
				name := valueOr(d.MedicinalProduct)
				if strings.Contains(strings.ToUpper(name), needle) {
					event.DrugNames = append(event.DrugNames, name)
				}
			}
			for _, r := range result.Patient.Reaction {
				event.Reactions = append(event.Reactions, valueOr(r.ReactionMedDRAPT))
				event.Outcomes = append(event.Outcomes, rawValue(r.ReactionOutcome))
			}
		}
		events = append(events, event)
	}
	return events
}

func valueOr(v *string) string {
	if v == nil {
		return notAvailable
	}
	return *v
}

// openFDA 的 reactionoutcome 通常是字符串，个别数据源返回数字。
func rawValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return notAvailable
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
