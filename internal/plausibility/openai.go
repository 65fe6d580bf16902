package plausibility

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"BioProof-Chain/internal/biometric"
	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/pkg/logger"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 20 * time.Second
)

// OpenAIConfig 描述调用 OpenAI Chat Completions API 所需的信息。
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIValidator 请求大模型对读数进行补充评估，任何失败都退回规则校验。
type OpenAIValidator struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	fallback   Validator
	logger     *slog.Logger
}

// NewOpenAIValidator 根据配置创建校验器。
func NewOpenAIValidator(cfg OpenAIConfig) (*OpenAIValidator, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &OpenAIValidator{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		fallback:   RuleValidator{},
		logger:     logger.Named("plausibility"),
	}, nil
}

// Validate 实现 Validator 接口。硬性生理极限由规则直接判定，不交给模型。
func (v *OpenAIValidator) Validate(ctx context.Context, metric biometric.MetricType, value float64, user UserContext) (Result, error) {
	base, err := v.fallback.Validate(ctx, metric, value, user)
	if err != nil || !base.IsValid {
		return base, err
	}
	res, err := v.ask(ctx, metric, value, user)
	if err != nil {
		v.logger.Warn("模型评估失败，使用规则结果", slog.Any("error", err), slog.String("metric", string(metric)))
		return base, nil
	}
	return res, nil
}

func (v *OpenAIValidator) ask(ctx context.Context, metric biometric.MetricType, value float64, user UserContext) (Result, error) {
	payload, err := v.buildPayload(metric, value, user)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+v.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Result{}, fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return Result{}, errors.New("OpenAI 响应中没有有效的 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	var structured struct {
		IsValid    *bool   `json:"is_valid"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		return Result{}, fmt.Errorf("OpenAI 响应不是合法 JSON: %w", err)
	}
	if structured.IsValid == nil || structured.Confidence < 0 || structured.Confidence > 1 {
		return Result{}, errors.New("OpenAI 响应缺少 is_valid 或 confidence 越界")
	}
	return Result{
		IsValid:    *structured.IsValid,
		Confidence: structured.Confidence,
		Reason:     structured.Reason,
		Source:     "openai",
	}, nil
}

func (v *OpenAIValidator) buildPayload(metric biometric.MetricType, value float64, user UserContext) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	var prompt strings.Builder
	prompt.WriteString(fmt.Sprintf("metric: %s\nvalue: %g\n", metric, value))
	if user.AgeYears > 0 {
		prompt.WriteString(fmt.Sprintf("age: %d\n", user.AgeYears))
	}
	if len(user.Medications) > 0 {
		prompt.WriteString("medications: " + strings.Join(user.Medications, ", ") + "\n")
	}
	if len(user.Conditions) > 0 {
		prompt.WriteString("conditions: " + strings.Join(user.Conditions, ", ") + "\n")
	}
	body := map[string]any{
		"model": v.model,
		"messages": []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt.String()},
		},
		"temperature":     0,
		"response_format": map[string]string{"type": "json_object"},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You review a single physiological reading for plausibility given optional patient context. " +
	"Respond with a compact JSON object: {\"is_valid\": bool, \"confidence\": number between 0 and 1, \"reason\": string}."

var _ Validator = (*OpenAIValidator)(nil)
