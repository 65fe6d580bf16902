package constraint

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"BioProof-Chain/internal/biometric"
	xerrors "BioProof-Chain/internal/errors"
)

func seaLevel() biometric.EnvironmentalContext {
	return biometric.EnvironmentalContext{Altitude: 10, Temperature: 20, Pressure: 1013.25, Humidity: 50}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestSelectConstraintsCatalogDefault(t *testing.T) {
	r := NewResolver(nil)
	params, err := r.SelectConstraints(context.Background(), "u1", biometric.MetricHeartRate, seaLevel())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if params.MinValue != 60 || params.MaxValue != 100 || params.Unit != "bpm" {
		t.Fatalf("unexpected band %+v", params)
	}
	if params.EnvironmentallyAdjusted || params.RiskLevel != biometric.RiskLow || len(params.EnvironmentalFactors) != 0 {
		t.Fatalf("sea level must not adjust: %+v", params)
	}
	if params.Source != biometric.ConstraintSourceCatalog {
		t.Fatalf("expected catalog source, got %s", params.Source)
	}
}

func TestSelectConstraintsHighAltitudeHeartRate(t *testing.T) {
	r := NewResolver(nil)
	env := biometric.EnvironmentalContext{Altitude: 3000, Temperature: 15, Pressure: 1000}
	params, err := r.SelectConstraints(context.Background(), "u1", biometric.MetricHeartRate, env)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !approx(params.MinValue, 57) || !approx(params.MaxValue, 115) {
		t.Fatalf("expected [57,115], got [%v,%v]", params.MinValue, params.MaxValue)
	}
	if !params.HasFactor(biometric.FactorHighAltitude) || params.RiskLevel != biometric.RiskMedium {
		t.Fatalf("expected high_altitude medium risk, got %+v", params)
	}
	if err := ValidateReading(biometric.Reading{MetricType: biometric.MetricHeartRate, Value: 112, Unit: "bpm"}, params); err != nil {
		t.Fatalf("112 bpm should be valid at altitude: %v", err)
	}
}

func TestSelectConstraintsOxygenAltitude(t *testing.T) {
	r := NewResolver(nil)
	env := biometric.EnvironmentalContext{Altitude: 4000, Temperature: 5, Pressure: 1000}
	params, err := r.SelectConstraints(context.Background(), "u1", biometric.MetricOxygenSaturation, env)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !approx(params.AdjustmentFactor, 0.975) {
		t.Fatalf("expected factor 0.975, got %v", params.AdjustmentFactor)
	}
	if !approx(params.MinValue, 92.625) || !approx(params.MaxValue, 97.5) {
		t.Fatalf("expected [92.625,97.5], got [%v,%v]", params.MinValue, params.MaxValue)
	}
	if params.RiskLevel != biometric.RiskMedium {
		t.Fatalf("expected medium risk above 2500m, got %s", params.RiskLevel)
	}
	if !Within(93, params) {
		t.Fatalf("93%% must be valid at 4000m")
	}
	err = ValidateReading(biometric.Reading{MetricType: biometric.MetricOxygenSaturation, Value: 90, Unit: "%"}, params)
	if xerrors.CodeOf(err) != xerrors.CodeConstraintViolation {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	meta := xerrors.MetadataOf(err)
	if meta["min"] != "92.625" || meta["risk_level"] != "medium" {
		t.Fatalf("violation must carry band metadata: %v", meta)
	}
}

func TestOxygenFactorFloor(t *testing.T) {
	p := DefaultPolicy()
	if f := p.OxygenFactor(1000); f != 1 {
		t.Fatalf("expected 1 below threshold, got %v", f)
	}
	if f := p.OxygenFactor(100000); f != 0.8 {
		t.Fatalf("expected floor 0.8, got %v", f)
	}
}

func TestMultipleFactorsRaiseRisk(t *testing.T) {
	r := NewResolver(nil)
	env := biometric.EnvironmentalContext{Altitude: 3000, Temperature: 40, Pressure: 700}
	params, err := r.SelectConstraints(context.Background(), "u1", biometric.MetricHeartRate, env)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if params.RiskLevel != biometric.RiskHigh {
		t.Fatalf("expected high risk, got %s", params.RiskLevel)
	}
	want := []string{biometric.FactorExtremeTemperature, biometric.FactorHighAltitude, biometric.FactorLowPressure}
	if len(params.EnvironmentalFactors) != len(want) {
		t.Fatalf("unexpected factors %v", params.EnvironmentalFactors)
	}
	for i := range want {
		if params.EnvironmentalFactors[i] != want[i] {
			t.Fatalf("unexpected factors %v", params.EnvironmentalFactors)
		}
	}
	if !approx(params.MaxValue, 100*1.15*1.10) || !approx(params.MinValue, 60*0.95*0.90) {
		t.Fatalf("unexpected band [%v,%v]", params.MinValue, params.MaxValue)
	}
}

func TestAdjustmentMonotonic(t *testing.T) {
	p := DefaultPolicy()
	base := DefaultCatalog()[biometric.MetricSteps].parameters(biometric.MetricSteps)
	envs := []biometric.EnvironmentalContext{
		seaLevel(),
		{Altitude: 3000, Temperature: 20, Pressure: 1000},
		{Altitude: 10, Temperature: -5, Pressure: 1000},
		{Altitude: 10, Temperature: 20, Pressure: 900},
	}
	for _, env := range envs {
		out := p.Adjust(base, env, 1)
		if out.MaxValue < base.MaxValue || out.MinValue > base.MinValue {
			t.Fatalf("adjustment must widen the band: %+v -> %+v", base, out)
		}
		if !(out.MinValue < out.MaxValue) {
			t.Fatalf("min must stay below max: %+v", out)
		}
	}
}

func TestValidateReadingBoundariesInclusive(t *testing.T) {
	params := DefaultCatalog()[biometric.MetricHeartRate].parameters(biometric.MetricHeartRate)
	for _, v := range []float64{60, 100} {
		if err := ValidateReading(biometric.Reading{MetricType: biometric.MetricHeartRate, Value: v, Unit: "bpm"}, params); err != nil {
			t.Fatalf("boundary %v must be valid: %v", v, err)
		}
	}
	if err := ValidateReading(biometric.Reading{MetricType: biometric.MetricHeartRate, Value: 100.01, Unit: "bpm"}, params); xerrors.CodeOf(err) != xerrors.CodeConstraintViolation {
		t.Fatalf("expected violation, got %v", err)
	}
}

func TestValidateReadingMalformed(t *testing.T) {
	params := DefaultCatalog()[biometric.MetricHeartRate].parameters(biometric.MetricHeartRate)
	cases := []biometric.Reading{
		{MetricType: biometric.MetricHeartRate, Value: math.NaN(), Unit: "bpm"},
		{MetricType: biometric.MetricHeartRate, Value: math.Inf(1), Unit: "bpm"},
		{MetricType: biometric.MetricHeartRate, Value: -1, Unit: "bpm"},
	}
	for _, reading := range cases {
		err := ValidateReading(reading, params)
		if xerrors.CodeOf(err) != xerrors.CodeValidation || xerrors.MetadataOf(err)["reason"] != xerrors.ReasonMalformedInput {
			t.Fatalf("expected malformed_input for %v, got %v", reading.Value, err)
		}
	}
	err := ValidateReading(biometric.Reading{MetricType: biometric.MetricHeartRate, Value: 70, Unit: "Hz"}, params)
	if xerrors.MetadataOf(err)["reason"] != xerrors.ReasonUnitMismatch {
		t.Fatalf("expected unit mismatch, got %v", err)
	}
}

func TestUpdateUserConstraintsInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	cache, err := NewMemoryCache(ctx, time.Minute)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer cache.Close()
	r := NewResolver(nil, WithCache(cache))

	first, err := r.SelectConstraints(ctx, "u1", biometric.MetricHeartRate, seaLevel())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if first.MaxValue != 100 {
		t.Fatalf("unexpected default %+v", first)
	}
	if _, err := r.UpdateUserConstraints(ctx, "u1", biometric.MetricHeartRate, biometric.ConstraintParameters{MinValue: 50, MaxValue: 90}); err != nil {
		t.Fatalf("update: %v", err)
	}
	second, err := r.SelectConstraints(ctx, "u1", biometric.MetricHeartRate, seaLevel())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if second.MinValue != 50 || second.MaxValue != 90 || second.Source != biometric.ConstraintSourceOverride {
		t.Fatalf("override not applied: %+v", second)
	}
	other, err := r.SelectConstraints(ctx, "u2", biometric.MetricHeartRate, seaLevel())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if other.MaxValue != 100 {
		t.Fatalf("other users must be untouched: %+v", other)
	}
}

func TestUserAdjustmentFactorApplied(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(nil)
	if _, err := r.UpdateUserConstraints(ctx, "u1", biometric.MetricSleep, biometric.ConstraintParameters{MinValue: 6, MaxValue: 10, AdjustmentFactor: 1.1}); err != nil {
		t.Fatalf("update: %v", err)
	}
	params, err := r.SelectConstraints(ctx, "u1", biometric.MetricSleep, seaLevel())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !approx(params.MinValue, 6.6) || !approx(params.MaxValue, 11) || !approx(params.AdjustmentFactor, 1.1) {
		t.Fatalf("unexpected band %+v", params)
	}
}

func TestUpdateUserConstraintsRejectsInvertedBand(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.UpdateUserConstraints(context.Background(), "u1", biometric.MetricHeartRate, biometric.ConstraintParameters{MinValue: 90, MaxValue: 90})
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpdateUserConstraintsRejectsUnencodableBand(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(nil)
	cases := map[string]biometric.ConstraintParameters{
		"negative min":    {MinValue: -10, MaxValue: 100},
		"factor too big":  {MinValue: 60, MaxValue: 100, AdjustmentFactor: 12},
		"negative factor": {MinValue: 60, MaxValue: 100, AdjustmentFactor: -1},
	}
	for name, params := range cases {
		_, err := r.UpdateUserConstraints(ctx, "u1", biometric.MetricHeartRate, params)
		if xerrors.MetadataOf(err)["reason"] != xerrors.ReasonMalformedInput {
			t.Fatalf("%s: expected malformed_input, got %v", name, err)
		}
	}
	if got, err := r.overrides.Get(ctx, "u1", biometric.MetricHeartRate); err != nil || got != nil {
		t.Fatalf("rejected overrides must not be stored: %+v %v", got, err)
	}

	if _, err := r.UpdateUserConstraints(ctx, "u1", biometric.MetricHeartRate, biometric.ConstraintParameters{MinValue: 0, MaxValue: 100, AdjustmentFactor: MaxAdjustmentFactor}); err != nil {
		t.Fatalf("limits are inclusive: %v", err)
	}
}

func TestSelectConstraintsUnknownMetric(t *testing.T) {
	r := NewResolver(nil)
	if _, err := r.SelectConstraints(context.Background(), "u1", "cholesterol", seaLevel()); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEqualBucketsShareResult(t *testing.T) {
	p := DefaultPolicy()
	a := biometric.EnvironmentalContext{Altitude: 3100, Temperature: 20, Pressure: 1000}
	b := biometric.EnvironmentalContext{Altitude: 3900, Temperature: 25, Pressure: 990}
	if p.Bucket(biometric.MetricHeartRate, a) != p.Bucket(biometric.MetricHeartRate, b) {
		t.Fatalf("expected same bucket")
	}
	if p.Bucket(biometric.MetricOxygenSaturation, a) == p.Bucket(biometric.MetricOxygenSaturation, b) {
		t.Fatalf("oxygen buckets must depend on the factor")
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	cache, err := NewRedisCache(ctx, RedisCacheConfig{Address: mr.Addr(), TTL: time.Minute})
	if err != nil {
		t.Fatalf("redis cache: %v", err)
	}
	defer cache.Close()

	r := NewResolver(nil, WithCache(cache))
	env := biometric.EnvironmentalContext{Altitude: 3000, Temperature: 15, Pressure: 1000}
	first, err := r.SelectConstraints(ctx, "u1", biometric.MetricHeartRate, env)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(mr.Keys()) != 1 {
		t.Fatalf("expected one cached key, got %v", mr.Keys())
	}
	second, err := r.SelectConstraints(ctx, "u1", biometric.MetricHeartRate, env)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if first.MaxValue != second.MaxValue || second.RiskLevel != biometric.RiskMedium {
		t.Fatalf("cached result differs: %+v vs %+v", first, second)
	}
}
