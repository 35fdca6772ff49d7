// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the parameters of an optimization run.
//
// Parameters come from defaults, then a YAML or JSON file, then RAO_*
// environment variables. Negative thresholds are clamped to zero with a
// warning; everything else out of range is rejected.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/gridrao/services/rao/objective"
	"github.com/AleutianAI/gridrao/services/rao/rangeopt"
	"github.com/AleutianAI/gridrao/services/rao/scenario"
	"github.com/AleutianAI/gridrao/services/rao/searchtree"
	"github.com/AleutianAI/gridrao/services/rao/sensitivity"
)

// ErrInvalidParameters wraps every validation failure.
var ErrInvalidParameters = errors.New("invalid parameters")

// Parameters contains every setting of a run and of the CLI around it.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Parameters struct {
	// Search bounds and tunes the network action search.
	Search searchtree.Params `json:"search" yaml:"search"`

	// Range tunes the iterated linear optimization of range actions.
	Range rangeopt.Params `json:"range" yaml:"range"`

	// Objective prices failures and MNEC violations. Its MNEC settings
	// also drive the linear problem.
	Objective objective.Params `json:"objective" yaml:"objective"`

	// CostPolicy is max or total.
	CostPolicy objective.CostPolicy `json:"cost_policy" yaml:"cost_policy" validate:"costpolicy"`

	Scenarios   ScenarioConfig    `json:"scenarios" yaml:"scenarios"`
	Pool        PoolConfig        `json:"pool" yaml:"pool"`
	Sensitivity SensitivityConfig `json:"sensitivity" yaml:"sensitivity"`

	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Server        ServerConfig        `json:"server" yaml:"server"`
}

// ScenarioConfig contains contingency scenario settings.
type ScenarioConfig struct {
	ContingencyScenariosInParallel int `json:"contingency_scenarios_in_parallel" yaml:"contingency_scenarios_in_parallel" validate:"gte=1"`

	// Combinations are predefined network action combinations by ID.
	Combinations [][]string `json:"combinations" yaml:"combinations" validate:"dive,min=2"`
}

// PoolConfig contains network pool settings.
type PoolConfig struct {
	// MaxClones caps the clones of one perimeter. Zero means one per
	// leaf evaluated in parallel.
	MaxClones int `json:"max_clones" yaml:"max_clones" validate:"gte=0"`
}

// SensitivityConfig contains sensitivity service settings.
type SensitivityConfig struct {
	CircuitBreakerEnabled bool                             `json:"circuit_breaker_enabled" yaml:"circuit_breaker_enabled"`
	CircuitBreaker        sensitivity.CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
}

// ObservabilityConfig contains observability settings.
type ObservabilityConfig struct {
	TracingEnabled bool   `json:"tracing_enabled" yaml:"tracing_enabled"`
	MetricsEnabled bool   `json:"metrics_enabled" yaml:"metrics_enabled"`
	LogLevel       string `json:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	ServiceName    string `json:"service_name" yaml:"service_name" validate:"required"`

	// LogFormat is text or json. Auto picks text on a terminal.
	LogFormat string `json:"log_format" yaml:"log_format" validate:"oneof=auto text json"`

	// TraceExporter is used when tracing is enabled: stdout or otlp.
	TraceExporter string `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=stdout otlp"`

	// MetricExporter feeds the OpenTelemetry HTTP metrics: prometheus,
	// stdout or none.
	MetricExporter string `json:"metric_exporter" yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`

	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure bool   `json:"otlp_insecure" yaml:"otlp_insecure"`
}

// ServerConfig contains settings of the serve command.
type ServerConfig struct {
	Addr         string        `json:"addr" yaml:"addr" validate:"required"`
	RunTimeout   time.Duration `json:"run_timeout" yaml:"run_timeout" validate:"gte=0"`
	MaxCaseBytes int64         `json:"max_case_bytes" yaml:"max_case_bytes" validate:"gt=0"`

	// RunsPerSecond limits accepted runs. Zero means unlimited.
	RunsPerSecond float64 `json:"runs_per_second" yaml:"runs_per_second" validate:"gte=0"`
	RunBurst      int     `json:"run_burst" yaml:"run_burst" validate:"gte=1"`

	// WatchConfig reloads the parameters file while serving.
	WatchConfig bool `json:"watch_config" yaml:"watch_config"`
}

// DefaultParameters returns the default configuration.
func DefaultParameters() Parameters {
	return Parameters{
		Search:     searchtree.DefaultParams(),
		Range:      rangeopt.DefaultParams(),
		Objective:  objective.DefaultParams(),
		CostPolicy: objective.PolicyMax,
		Scenarios: ScenarioConfig{
			ContingencyScenariosInParallel: 1,
		},
		Sensitivity: SensitivityConfig{
			CircuitBreakerEnabled: true,
			CircuitBreaker:        sensitivity.DefaultCircuitBreakerConfig(),
		},
		Observability: ObservabilityConfig{
			TracingEnabled: false,
			MetricsEnabled: true,
			LogLevel:       "info",
			LogFormat:      "auto",
			ServiceName:    "gridrao",
			TraceExporter:  "stdout",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			RunTimeout:   5 * time.Minute,
			MaxCaseBytes: 4 << 20,
			RunBurst:     1,
		},
	}
}

// Load loads parameters with priority: env > file > defaults.
//
// Inputs:
//   - path: Path to a YAML or JSON file. Empty or missing uses defaults.
//   - logger: Receives clamping warnings. Nil uses slog.Default().
//
// Outputs:
//   - Parameters: The merged parameters.
//   - error: Non-nil if the file or an environment variable is invalid,
//     or the result does not validate.
func Load(path string, logger *slog.Logger) (Parameters, error) {
	p := DefaultParameters()
	if path != "" {
		if err := loadFile(path, &p); err != nil {
			return p, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := loadEnv(&p); err != nil {
		return p, err
	}
	p.Normalize(logger)
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Parse reads parameters from YAML or JSON over the defaults, then
// normalizes and validates them. Environment variables are not read.
func Parse(data []byte, logger *slog.Logger) (Parameters, error) {
	p := DefaultParameters()
	if err := decode(data, &p); err != nil {
		return p, err
	}
	p.Normalize(logger)
	return p, p.Validate()
}

func loadFile(path string, p *Parameters) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return decode(data, p)
}

func decode(data []byte, p *Parameters) error {
	// YAML first, then JSON. Each attempt decodes into a copy so a
	// half-applied document never reaches p.
	fromYAML := *p
	err := yaml.Unmarshal(data, &fromYAML)
	if err == nil {
		*p = fromYAML
		return nil
	}
	fromJSON := *p
	if jsonErr := json.Unmarshal(data, &fromJSON); jsonErr != nil {
		return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
	}
	*p = fromJSON
	return nil
}

// envInt, envFloat, envDuration and envBool set *dst from a variable when
// it is present. A present but malformed value is an error.
func envInt(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q: %v", ErrInvalidParameters, name, v, err)
	}
	*dst = i
	return nil
}

func envFloat(name string, dst *float64) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%w: %s=%q: %v", ErrInvalidParameters, name, v, err)
	}
	*dst = f
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q: %v", ErrInvalidParameters, name, v, err)
	}
	*dst = d
	return nil
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func loadEnv(p *Parameters) error {
	// Search
	if err := envInt("RAO_MAX_DEPTH", &p.Search.Budget.MaxDepth); err != nil {
		return err
	}
	if err := envInt("RAO_MAX_LEAVES", &p.Search.Budget.MaxLeaves); err != nil {
		return err
	}
	if err := envDuration("RAO_TIME_LIMIT", &p.Search.Budget.TimeLimit); err != nil {
		return err
	}
	if err := envInt("RAO_LEAVES_IN_PARALLEL", &p.Search.LeavesInParallel); err != nil {
		return err
	}
	if err := envFloat("RAO_MIN_IMPROVEMENT", &p.Search.MinImprovement); err != nil {
		return err
	}
	if err := envFloat("RAO_RELATIVE_MIN_IMPROVEMENT", &p.Search.RelativeMinImprovement); err != nil {
		return err
	}
	if v := os.Getenv("RAO_STOP_CRITERION"); v != "" {
		p.Search.StopCriterion = searchtree.StopCriterion(v)
	}

	// Range actions
	if err := envInt("RAO_MAX_ITERATIONS", &p.Range.MaxIterations); err != nil {
		return err
	}

	// Objective
	if v := os.Getenv("RAO_COST_POLICY"); v != "" {
		p.CostPolicy = objective.CostPolicy(strings.ToLower(v))
	}
	if err := envFloat("RAO_SENSITIVITY_FAILURE_OVERCOST", &p.Objective.SensitivityFailureOvercost); err != nil {
		return err
	}

	// Scenarios
	if err := envInt("RAO_SCENARIOS_IN_PARALLEL", &p.Scenarios.ContingencyScenariosInParallel); err != nil {
		return err
	}

	// Observability
	envBool("RAO_TRACING_ENABLED", &p.Observability.TracingEnabled)
	envBool("RAO_METRICS_ENABLED", &p.Observability.MetricsEnabled)
	envString("RAO_LOG_LEVEL", &p.Observability.LogLevel)
	envString("RAO_LOG_FORMAT", &p.Observability.LogFormat)
	envString("OTEL_TRACES_EXPORTER", &p.Observability.TraceExporter)
	envString("OTEL_METRICS_EXPORTER", &p.Observability.MetricExporter)
	envString("OTEL_EXPORTER_OTLP_ENDPOINT", &p.Observability.OTLPEndpoint)

	// Server
	envString("RAO_SERVER_ADDR", &p.Server.Addr)
	envBool("RAO_WATCH_CONFIG", &p.Server.WatchConfig)
	if err := envFloat("RAO_RUNS_PER_SECOND", &p.Server.RunsPerSecond); err != nil {
		return err
	}
	return envDuration("RAO_RUN_TIMEOUT", &p.Server.RunTimeout)
}

// Normalize clamps negative thresholds and overcosts to zero, logging a
// warning for each. It returns the names of the clamped fields.
func (p *Parameters) Normalize(logger *slog.Logger) []string {
	if logger == nil {
		logger = slog.Default()
	}
	var clamped []string
	clamp := func(name string, v *float64) {
		if *v < 0 {
			logger.Warn("negative parameter clamped to zero",
				slog.String("parameter", name),
				slog.Float64("value", *v))
			*v = 0
			clamped = append(clamped, name)
		}
	}
	clamp("search.min_improvement", &p.Search.MinImprovement)
	clamp("search.relative_min_improvement", &p.Search.RelativeMinImprovement)
	clamp("objective.sensitivity_failure_overcost", &p.Objective.SensitivityFailureOvercost)
	clamp("objective.mnec_acceptable_margin_decrease", &p.Objective.MnecAcceptableMarginDecrease)
	clamp("objective.mnec_violation_cost", &p.Objective.MnecViolationCost)
	clamp("range.convergence_tolerance", &p.Range.ConvergenceTolerance)
	return clamped
}

// Validate checks every field against its constraints.
//
// Outputs:
//   - error: Wraps ErrInvalidParameters, listing the failing fields.
func (p Parameters) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s=%s)", fe.Namespace(), fe.Tag(), fe.Param()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidParameters, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	return nil
}

// validate is the shared validator, with the costpolicy tag registered.
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("costpolicy", validateCostPolicy)
}

func validateCostPolicy(fl validator.FieldLevel) bool {
	_, err := objective.ParseCostPolicy(fl.Field().String())
	return err == nil
}

// ScenarioParams returns the orchestrator parameters.
//
// The MNEC settings of the objective are copied into the linear problem
// so both price a violation the same way.
func (p Parameters) ScenarioParams() scenario.Params {
	rng := p.Range
	rng.Linear.MnecAcceptableMarginDecrease = p.Objective.MnecAcceptableMarginDecrease
	rng.Linear.MnecViolationCost = p.Objective.MnecViolationCost
	return scenario.Params{
		Search:                         p.Search,
		Range:                          rng,
		Objective:                      p.Objective,
		CostPolicy:                     p.CostPolicy,
		ContingencyScenariosInParallel: p.Scenarios.ContingencyScenariosInParallel,
		MaxClones:                      p.Pool.MaxClones,
		Combinations:                   p.Scenarios.Combinations,
		Tracing:                        p.Observability.TracingEnabled,
	}
}

// SlogLevel returns the configured log level.
func (p Parameters) SlogLevel() slog.Level {
	switch p.Observability.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
