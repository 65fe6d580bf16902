package environment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"BioProof-Chain/internal/biometric"
	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/pkg/logger"
)

const (
	defaultBaseURL = "https://api.open-meteo.com/v1"
	defaultTimeout = 5 * time.Second
)

// Provider 将经纬度解析为环境上下文。
type Provider interface {
	Resolve(ctx context.Context, latitude, longitude float64) (biometric.EnvironmentalContext, error)
}

// Config 描述 Open-Meteo 客户端参数。
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// OpenMeteoClient 通过 Open-Meteo 预报接口获取气温、湿度、气压与海拔。
type OpenMeteoClient struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// NewOpenMeteoClient 根据配置创建客户端。
func NewOpenMeteoClient(cfg Config) *OpenMeteoClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &OpenMeteoClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

type forecastResponse struct {
	Elevation float64 `json:"elevation"`
	Timezone  string  `json:"timezone"`
	Current   struct {
		Temperature float64 `json:"temperature_2m"`
		Humidity    float64 `json:"relative_humidity_2m"`
		Pressure    float64 `json:"surface_pressure"`
	} `json:"current"`
}

// Resolve 实现 Provider 接口。
func (c *OpenMeteoClient) Resolve(ctx context.Context, latitude, longitude float64) (biometric.EnvironmentalContext, error) {
	if err := validateCoordinates(latitude, longitude); err != nil {
		return biometric.EnvironmentalContext{}, err
	}

	query := url.Values{}
	query.Set("latitude", strconv.FormatFloat(latitude, 'f', 4, 64))
	query.Set("longitude", strconv.FormatFloat(longitude, 'f', 4, 64))
	query.Set("current", "temperature_2m,relative_humidity_2m,surface_pressure")
	query.Set("timezone", "auto")
	endpoint := c.baseURL + "/forecast?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return biometric.EnvironmentalContext{}, xerrors.Wrap(xerrors.CodeExternalService, err, "构建天气请求失败")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return biometric.EnvironmentalContext{}, xerrors.Wrap(xerrors.CodeExternalService, err, "请求天气服务失败",
			xerrors.WithMetadata("service", "open-meteo"))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return biometric.EnvironmentalContext{}, xerrors.New(xerrors.CodeExternalService,
			fmt.Sprintf("天气服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithMetadata("service", "open-meteo"))
	}

	var decoded forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return biometric.EnvironmentalContext{}, xerrors.Wrap(xerrors.CodeExternalService, err, "解析天气响应失败")
	}

	return biometric.EnvironmentalContext{
		Latitude:    latitude,
		Longitude:   longitude,
		Altitude:    decoded.Elevation,
		Timezone:    decoded.Timezone,
		Temperature: decoded.Current.Temperature,
		Humidity:    decoded.Current.Humidity,
		Pressure:    decoded.Current.Pressure,
		Timestamp:   c.now().UTC(),
		Source:      biometric.SourceOpenMeteo,
	}, nil
}

// Estimate 返回确定性的保守估计：海平面、标准气压，气温随纬度递减。
func Estimate(latitude, longitude float64, now time.Time) biometric.EnvironmentalContext {
	offset := int(math.Round(longitude / 15))
	return biometric.EnvironmentalContext{
		Latitude:    latitude,
		Longitude:   longitude,
		Altitude:    0,
		Timezone:    fmt.Sprintf("UTC%+03d:00", offset),
		Temperature: math.Round((27-0.4*math.Abs(latitude))*10) / 10,
		Humidity:    50,
		Pressure:    1013.25,
		Timestamp:   now.UTC(),
		Source:      biometric.SourceEstimate,
		Estimated:   true,
	}
}

// FallbackProvider 在主 Provider 失败时退化为确定性估计。
// 这是环境上下文唯一被允许吞掉的错误。
type FallbackProvider struct {
	primary Provider
	logger  *slog.Logger
	now     func() time.Time
}

// NewFallbackProvider 包装主 Provider；primary 为 nil 时始终返回估计值。
func NewFallbackProvider(primary Provider) *FallbackProvider {
	return &FallbackProvider{primary: primary, logger: logger.Named("environment"), now: time.Now}
}

// Resolve 实现 Provider 接口。
func (p *FallbackProvider) Resolve(ctx context.Context, latitude, longitude float64) (biometric.EnvironmentalContext, error) {
	if err := validateCoordinates(latitude, longitude); err != nil {
		return biometric.EnvironmentalContext{}, err
	}
	if p.primary != nil {
		envCtx, err := p.primary.Resolve(ctx, latitude, longitude)
		if err == nil {
			return envCtx, nil
		}
		p.logger.Warn("环境服务不可用，使用保守估计",
			slog.Any("error", err),
			slog.Float64("latitude", latitude),
			slog.Float64("longitude", longitude))
	}
	return Estimate(latitude, longitude, p.now()), nil
}

func validateCoordinates(latitude, longitude float64) error {
	if math.IsNaN(latitude) || math.IsNaN(longitude) || latitude < -90 || latitude > 90 || longitude < -180 || longitude > 180 {
		return xerrors.Validation(xerrors.ReasonMalformedInput, "经纬度超出范围",
			xerrors.WithMetadata("latitude", strconv.FormatFloat(latitude, 'f', -1, 64)),
			xerrors.WithMetadata("longitude", strconv.FormatFloat(longitude, 'f', -1, 64)))
	}
	return nil
}
