package constraint

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"BioProof-Chain/internal/biometric"
	"BioProof-Chain/internal/config"
)

// Policy 保存环境调整常数。
type Policy struct {
	HighAltitudeMeters    float64
	HighAltitudeMaxFactor float64
	HighAltitudeMinFactor float64
	HotTemperatureC       float64
	ColdTemperatureC      float64
	ExtremeTempMaxFactor  float64
	LowPressureHPa        float64
	LowPressureMinFactor  float64
	OxygenAltitudeMeters  float64
	OxygenDropPer1000m    float64
	OxygenFloorFactor     float64
}

// DefaultPolicy 返回默认调整策略。
func DefaultPolicy() Policy {
	return Policy{
		HighAltitudeMeters:    2500,
		HighAltitudeMaxFactor: 1.15,
		HighAltitudeMinFactor: 0.95,
		HotTemperatureC:       35,
		ColdTemperatureC:      0,
		ExtremeTempMaxFactor:  1.10,
		LowPressureHPa:        950,
		LowPressureMinFactor:  0.90,
		OxygenAltitudeMeters:  1500,
		OxygenDropPer1000m:    0.01,
		OxygenFloorFactor:     0.8,
	}
}

// PolicyFromConfig 将配置转换为策略。
func PolicyFromConfig(cfg config.ConstraintConfig) Policy {
	return Policy{
		HighAltitudeMeters:    cfg.HighAltitudeMeters,
		HighAltitudeMaxFactor: cfg.HighAltitudeMaxFactor,
		HighAltitudeMinFactor: cfg.HighAltitudeMinFactor,
		HotTemperatureC:       cfg.HotTemperatureC,
		ColdTemperatureC:      cfg.ColdTemperatureC,
		ExtremeTempMaxFactor:  cfg.ExtremeTempMaxFactor,
		LowPressureHPa:        cfg.LowPressureHPa,
		LowPressureMinFactor:  cfg.LowPressureMinFactor,
		OxygenAltitudeMeters:  cfg.OxygenAltitudeMeters,
		OxygenDropPer1000m:    cfg.OxygenDropPer1000m,
		OxygenFloorFactor:     cfg.OxygenFloorFactor,
	}
}

// triggers 记录在某个环境下哪些规则生效。相同 triggers 的环境产生相同的调整结果。
type triggers struct {
	highAltitude  bool
	extremeTemp   bool
	lowPressure   bool
	oxygenFactor  float64
	oxygenApplies bool
}

func (p Policy) evaluate(metric biometric.MetricType, env biometric.EnvironmentalContext) triggers {
	t := triggers{
		highAltitude: env.Altitude > p.HighAltitudeMeters,
		extremeTemp:  env.Temperature > p.HotTemperatureC || env.Temperature < p.ColdTemperatureC,
		lowPressure:  env.Pressure > 0 && env.Pressure < p.LowPressureHPa,
		oxygenFactor: 1,
	}
	if metric == biometric.MetricOxygenSaturation && env.Altitude > p.OxygenAltitudeMeters {
		t.oxygenApplies = true
		t.oxygenFactor = p.OxygenFactor(env.Altitude)
	}
	return t
}

// OxygenFactor 返回血氧区间在给定海拔下的缩放因子。
func (p Policy) OxygenFactor(altitude float64) float64 {
	if altitude <= p.OxygenAltitudeMeters {
		return 1
	}
	factor := 1 - ((altitude-p.OxygenAltitudeMeters)/1000)*p.OxygenDropPer1000m
	return math.Max(p.OxygenFloorFactor, factor)
}

// bucket 是 triggers 的规范字符串，用作缓存键的环境部分。
func (t triggers) bucket() string {
	parts := make([]string, 0, 4)
	if t.highAltitude {
		parts = append(parts, "alt")
	}
	if t.extremeTemp {
		parts = append(parts, "temp")
	}
	if t.lowPressure {
		parts = append(parts, "pres")
	}
	if t.oxygenApplies {
		parts = append(parts, "o2="+strconv.FormatFloat(t.oxygenFactor, 'f', 4, 64))
	}
	if len(parts) == 0 {
		return "baseline"
	}
	sort.Strings(parts)
	return strings.Join(parts, "+")
}

// Bucket 返回环境上下文在该策略下的规范分桶。
func (p Policy) Bucket(metric biometric.MetricType, env biometric.EnvironmentalContext) string {
	return p.evaluate(metric, env).bucket()
}

// Adjust 按顺序应用环境规则与用户系数，是纯函数。
func (p Policy) Adjust(base biometric.ConstraintParameters, env biometric.EnvironmentalContext, userFactor float64) biometric.ConstraintParameters {
	out := base.Clone()
	if out.EnvironmentalFactors == nil {
		out.EnvironmentalFactors = []string{}
	}
	out.RiskLevel = out.RiskLevel.AtLeast(biometric.RiskLow)
	t := p.evaluate(base.MetricType, env)

	if t.oxygenApplies {
		out.MinValue *= t.oxygenFactor
		out.MaxValue *= t.oxygenFactor
		if t.oxygenFactor != 1 {
			out.AddFactor(biometric.FactorHighAltitude)
		}
		if t.highAltitude {
			out.RiskLevel = out.RiskLevel.AtLeast(biometric.RiskMedium)
		}
	} else if t.highAltitude {
		out.MaxValue *= p.HighAltitudeMaxFactor
		out.MinValue *= p.HighAltitudeMinFactor
		out.AddFactor(biometric.FactorHighAltitude)
		out.RiskLevel = out.RiskLevel.AtLeast(biometric.RiskMedium)
	}
	if t.extremeTemp {
		out.MaxValue *= p.ExtremeTempMaxFactor
		out.AddFactor(biometric.FactorExtremeTemperature)
	}
	if t.lowPressure {
		out.MinValue *= p.LowPressureMinFactor
		out.AddFactor(biometric.FactorLowPressure)
	}
	if len(out.EnvironmentalFactors) >= 2 {
		out.RiskLevel = out.RiskLevel.AtLeast(biometric.RiskHigh)
	}

	if userFactor > 0 && userFactor != 1 {
		out.MinValue *= userFactor
		out.MaxValue *= userFactor
	}
	if userFactor <= 0 {
		userFactor = 1
	}
	envFactor := 1.0
	if t.oxygenApplies {
		envFactor = t.oxygenFactor
	}
	out.AdjustmentFactor = roundTo(envFactor*userFactor, 6)
	out.EnvironmentallyAdjusted = len(out.EnvironmentalFactors) > 0
	out.MinValue = roundTo(out.MinValue, 6)
	out.MaxValue = roundTo(out.MaxValue, 6)
	return out
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
