// Package config loads and validates the orchestrator's yaml
// configuration: service specs, autoscaling policies, alarms, counter
// rules, feature flags, and the shared resource graph. Durations appear
// in the documents as strings ("30s", "5m") and are parsed at load.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flotilla-io/flotilla/internal/application"
	"github.com/flotilla-io/flotilla/internal/domain"
)

// Server holds the process-level settings.
type Server struct {
	Listen        string
	DataPath      string
	TickInterval  time.Duration
	ScaleInterval time.Duration
	AlarmPeriod   time.Duration
}

// Config is the loaded and validated configuration.
type Config struct {
	Server   Server
	Flags    map[string]bool
	Graph    []domain.ResourceNode
	Services []domain.ServiceSpec
	Policies []domain.AutoscalingPolicy
	Counters []application.CounterRule
	Alarms   []domain.AlarmConfig
}

// document mirrors the yaml layout, with durations as strings.
type document struct {
	Server struct {
		Listen        string `yaml:"listen"`
		DataPath      string `yaml:"data_path"`
		TickInterval  string `yaml:"tick_interval"`
		ScaleInterval string `yaml:"scale_interval"`
		AlarmPeriod   string `yaml:"alarm_period"`
	} `yaml:"server"`
	Flags    map[string]bool           `yaml:"flags"`
	Graph    []domain.ResourceNode     `yaml:"graph"`
	Services []serviceDoc              `yaml:"services"`
	Policies []policyDoc               `yaml:"policies"`
	Counters []application.CounterRule `yaml:"counters"`
	Alarms   []domain.AlarmConfig      `yaml:"alarms"`
}

type serviceDoc struct {
	Name            string `yaml:"name"`
	ImageRef        string `yaml:"image_ref"`
	CPUUnits        int    `yaml:"cpu_units"`
	MemoryMB        int    `yaml:"memory_mb"`
	ContainerPort   int    `yaml:"container_port"`
	MinReplicas     int    `yaml:"min_replicas"`
	MaxReplicas     int    `yaml:"max_replicas"`
	DesiredReplicas int    `yaml:"desired_replicas"`
	HealthCheck     struct {
		Path        string `yaml:"path"`
		Interval    string `yaml:"interval"`
		Timeout     string `yaml:"timeout"`
		Retries     int    `yaml:"retries"`
		StartPeriod string `yaml:"start_period"`
	} `yaml:"health_check"`
	RolloutPolicy struct {
		MinHealthyPercent       int    `yaml:"min_healthy_percent"`
		MaxSurgePercent         int    `yaml:"max_surge_percent"`
		FailureThresholdPercent int    `yaml:"failure_threshold_percent"`
		Deadline                string `yaml:"deadline"`
	} `yaml:"rollout_policy"`
}

type policyDoc struct {
	ServiceName      string  `yaml:"service_name"`
	TargetMetricName string  `yaml:"target_metric_name"`
	TargetValue      float64 `yaml:"target_value"`
	ScaleOutCooldown string  `yaml:"scale_out_cooldown"`
	ScaleInCooldown  string  `yaml:"scale_in_cooldown"`
}

// DefaultGraph is the shared infrastructure every deployment assumes:
// the network first, then the stores and queues on top of it. The alert
// topic is gated on the alerting flag.
func DefaultGraph() []domain.ResourceNode {
	return []domain.ResourceNode{
		{ID: "network", Config: map[string]string{"cidr": "10.0.0.0/16"}},
		{ID: "data-store", DependsOn: []string{"network"}, Config: map[string]string{"capacity_mode": "on_demand"}},
		{ID: "event-queue", DependsOn: []string{"network"}, Config: map[string]string{"visibility_timeout": "30s"}},
		{ID: "alert-topic", DependsOn: []string{"network"}, Gate: "alerting", Config: map[string]string{"protocol": "email"}},
		{ID: "registry-namespace", Config: map[string]string{"ttl": "30s"}},
	}
}

// Load reads, defaults, and validates a configuration file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse turns a yaml document into a validated Config.
func Parse(raw []byte) (Config, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return doc.build()
}

func (doc *document) build() (Config, error) {
	cfg := Config{
		Flags:    doc.Flags,
		Graph:    doc.Graph,
		Counters: doc.Counters,
		Alarms:   doc.Alarms,
	}

	var err error
	cfg.Server.Listen = orDefault(doc.Server.Listen, ":8600")
	cfg.Server.DataPath = orDefault(doc.Server.DataPath, "flotilla.db")
	if cfg.Server.TickInterval, err = duration("server.tick_interval", doc.Server.TickInterval, time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Server.ScaleInterval, err = duration("server.scale_interval", doc.Server.ScaleInterval, 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Server.AlarmPeriod, err = duration("server.alarm_period", doc.Server.AlarmPeriod, time.Minute); err != nil {
		return Config{}, err
	}

	if len(cfg.Graph) == 0 {
		cfg.Graph = DefaultGraph()
	}

	seen := make(map[string]bool)
	for _, sd := range doc.Services {
		spec, err := sd.build()
		if err != nil {
			return Config{}, err
		}
		spec.ApplyDefaults()
		if err := spec.Validate(); err != nil {
			return Config{}, err
		}
		if seen[spec.Name] {
			return Config{}, fmt.Errorf("%w: duplicate service %q", domain.ErrInvalidSpec, spec.Name)
		}
		seen[spec.Name] = true
		cfg.Services = append(cfg.Services, spec)
	}

	for _, pd := range doc.Policies {
		if !seen[pd.ServiceName] {
			return Config{}, fmt.Errorf("%w: policy for unknown service %q", domain.ErrInvalidSpec, pd.ServiceName)
		}
		p := domain.AutoscalingPolicy{
			ServiceName:      pd.ServiceName,
			TargetMetricName: pd.TargetMetricName,
			TargetValue:      pd.TargetValue,
		}
		if p.ScaleOutCooldown, err = duration("scale_out_cooldown", pd.ScaleOutCooldown, 0); err != nil {
			return Config{}, err
		}
		if p.ScaleInCooldown, err = duration("scale_in_cooldown", pd.ScaleInCooldown, 0); err != nil {
			return Config{}, err
		}
		p.ApplyDefaults()
		cfg.Policies = append(cfg.Policies, p)
	}

	for _, a := range cfg.Alarms {
		if err := a.Validate(); err != nil {
			return Config{}, err
		}
	}

	// Surface graph cycles and gated-dependency violations before
	// anything provisions.
	kept, err := domain.FilterGated(cfg.Graph, cfg.Flags)
	if err != nil {
		return Config{}, err
	}
	if _, err := domain.PlanLayers(kept); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (sd *serviceDoc) build() (domain.ServiceSpec, error) {
	spec := domain.ServiceSpec{
		Name:            sd.Name,
		ImageRef:        sd.ImageRef,
		CPUUnits:        sd.CPUUnits,
		MemoryMB:        sd.MemoryMB,
		ContainerPort:   sd.ContainerPort,
		MinReplicas:     sd.MinReplicas,
		MaxReplicas:     sd.MaxReplicas,
		DesiredReplicas: sd.DesiredReplicas,
		HealthCheck: domain.HealthCheck{
			Path:    sd.HealthCheck.Path,
			Retries: sd.HealthCheck.Retries,
		},
		RolloutPolicy: domain.RolloutPolicy{
			MinHealthyPercent:       sd.RolloutPolicy.MinHealthyPercent,
			MaxSurgePercent:         sd.RolloutPolicy.MaxSurgePercent,
			FailureThresholdPercent: sd.RolloutPolicy.FailureThresholdPercent,
		},
	}

	var err error
	if spec.HealthCheck.Interval, err = duration(sd.Name+".health_check.interval", sd.HealthCheck.Interval, 0); err != nil {
		return spec, err
	}
	if spec.HealthCheck.Timeout, err = duration(sd.Name+".health_check.timeout", sd.HealthCheck.Timeout, 0); err != nil {
		return spec, err
	}
	if spec.HealthCheck.StartPeriod, err = duration(sd.Name+".health_check.start_period", sd.HealthCheck.StartPeriod, 0); err != nil {
		return spec, err
	}
	if spec.RolloutPolicy.Deadline, err = duration(sd.Name+".rollout_policy.deadline", sd.RolloutPolicy.Deadline, 0); err != nil {
		return spec, err
	}
	return spec, nil
}

func duration(field, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", domain.ErrInvalidSpec, field, err)
	}
	return d, nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
