package constraint

import "BioProof-Chain/internal/biometric"

// Band 是目录中的保守默认区间。
type Band struct {
	Min     float64
	Max     float64
	Optimal float64
	Unit    string
}

// DefaultCatalog 返回指标的默认区间。
func DefaultCatalog() map[biometric.MetricType]Band {
	return map[biometric.MetricType]Band{
		biometric.MetricHeartRate:        {Min: 60, Max: 100, Optimal: 72, Unit: "bpm"},
		biometric.MetricSteps:            {Min: 5000, Max: 50000, Optimal: 10000, Unit: "steps"},
		biometric.MetricBloodPressure:    {Min: 80, Max: 140, Optimal: 120, Unit: "mmHg"},
		biometric.MetricSleep:            {Min: 6, Max: 10, Optimal: 8, Unit: "hours"},
		biometric.MetricOxygenSaturation: {Min: 95, Max: 100, Optimal: 98, Unit: "%"},
		biometric.MetricBodyTemperature:  {Min: 36.1, Max: 37.8, Optimal: 36.8, Unit: "°C"},
		biometric.MetricRespiratoryRate:  {Min: 12, Max: 20, Optimal: 16, Unit: "breaths/min"},
		biometric.MetricBloodGlucose:     {Min: 70, Max: 140, Optimal: 95, Unit: "mg/dL"},
	}
}

func (b Band) parameters(metric biometric.MetricType) biometric.ConstraintParameters {
	optimal := b.Optimal
	return biometric.ConstraintParameters{
		MetricType:           metric,
		Unit:                 b.Unit,
		MinValue:             b.Min,
		MaxValue:             b.Max,
		OptimalValue:         &optimal,
		AdjustmentFactor:     1,
		EnvironmentalFactors: []string{},
		RiskLevel:            biometric.RiskLow,
		Source:               biometric.ConstraintSourceCatalog,
	}
}
