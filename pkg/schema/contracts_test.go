package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineError_Format(t *testing.T) {
	err := NewError(ErrCodeMergeFailed, "scalar where sequence expected")
	assert.Equal(t, "[MERGE_FAILED] scalar where sequence expected", err.Error())

	err = err.WithStep("data_fetch")
	assert.Equal(t, "[MERGE_FAILED] step data_fetch: scalar where sequence expected", err.Error())
}

func TestPipelineError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(ErrCodeStepFailed, "step raised").WithCause(cause)
	assert.True(t, errors.Is(err, cause))

	var pe *PipelineError
	require.True(t, errors.As(fmt.Errorf("outer: %w", err), &pe))
	assert.Equal(t, ErrCodeStepFailed, pe.Code)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "", ErrorCode(nil))
	assert.Equal(t, "", ErrorCode(errors.New("plain")))
	assert.Equal(t, ErrCodeQuality, ErrorCode(fmt.Errorf("wrap: %w", NewError(ErrCodeQuality, "q"))))
}

func TestDirective_Validate(t *testing.T) {
	d := &Directive{NextAction: "data_fetch"}
	assert.NoError(t, d.Validate([]string{"data_fetch", "validate", "end"}))

	d.NextAction = "liquidate_everything"
	err := d.Validate([]string{"data_fetch", "validate", "end"})
	require.Error(t, err)
	assert.Equal(t, ErrCodeValidation, ErrorCode(err))
}

func TestStrategySpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    StrategySpec
		wantErr bool
	}{
		{"ma_cross ok", StrategySpec{Kind: StrategyMACross, Fast: 5, Slow: 20}, false},
		{"ma_cross fast >= slow", StrategySpec{Kind: StrategyMACross, Fast: 20, Slow: 5}, true},
		{"momentum ok", StrategySpec{Kind: StrategyMomentum, Lookback: 10}, false},
		{"momentum no lookback", StrategySpec{Kind: StrategyMomentum}, true},
		{"threshold ok", StrategySpec{Kind: StrategyThreshold, Field: "pe", Threshold: 30}, false},
		{"threshold no field", StrategySpec{Kind: StrategyThreshold}, true},
		{"unknown kind", StrategySpec{Kind: "martingale"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQualityReport_Errors_FiltersSeverity(t *testing.T) {
	r := &QualityReport{IssuesFound: []Issue{
		{Severity: SeverityError, Message: "signal misaligned"},
		{Severity: SeverityWarning, Message: "short history"},
		{Severity: SeverityError, Message: "negative close"},
	}}
	require.NoError(t, r.Validate())
	assert.Equal(t, []string{"signal misaligned", "negative close"}, r.Errors())
}

func TestQualityReport_Validate_UnknownSeverity(t *testing.T) {
	r := &QualityReport{IssuesFound: []Issue{{Severity: "fatal", Message: "x"}}}
	assert.Error(t, r.Validate())
}
