package models

import (
	"sort"
	"time"
)

// HealthCheck describes how a service is probed. URL selects an HTTP probe,
// Address a TCP connect probe.
type HealthCheck struct {
	URL          string `mapstructure:"url" json:"url,omitempty"`
	Address      string `mapstructure:"address" json:"address,omitempty"`
	ExpectStatus int    `mapstructure:"expect_status" json:"expect_status,omitempty"`
}

// RestartAction is the remediation for a service. An empty command means
// the process supervisor restarts the service's unit.
type RestartAction struct {
	Command []string `mapstructure:"command" json:"command,omitempty"`
}

// Thresholds are resource limits in percent. Zero disables a check.
type Thresholds struct {
	CPUPercent    float64 `mapstructure:"cpu_percent" json:"cpu_percent,omitempty"`
	MemoryPercent float64 `mapstructure:"memory_percent" json:"memory_percent,omitempty"`
	DiskPercent   float64 `mapstructure:"disk_percent" json:"disk_percent,omitempty"`
}

// ServiceDescriptor is the static description of a managed service.
type ServiceDescriptor struct {
	Name        string        `json:"name"`
	Image       string        `json:"image,omitempty"`
	Unit        string        `json:"unit,omitempty"`
	HealthCheck HealthCheck   `json:"health_check"`
	Restart     RestartAction `json:"restart"`
	Thresholds  Thresholds    `json:"thresholds"`
	DiskPath    string        `json:"disk_path,omitempty"`
	Desired     bool          `json:"desired"`
}

// UnitName is the name the process supervisor knows the service by.
func (s ServiceDescriptor) UnitName() string {
	if s.Unit != "" {
		return s.Unit
	}
	return s.Name
}

// Route maps one public domain onto a service's upstream.
type Route struct {
	Service  string   `mapstructure:"service" json:"service"`
	Upstream string   `mapstructure:"upstream" json:"upstream"`
	TLS      bool     `mapstructure:"tls" json:"tls"`
	Paths    []string `mapstructure:"paths" json:"paths,omitempty"`
}

// RoutingMap is the declarative domain -> route table the reverse proxy
// serves.
type RoutingMap map[string]Route

// Domains returns the map's domains in sorted order.
func (m RoutingMap) Domains() []string {
	domains := make([]string, 0, len(m))
	for d := range m {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}

// TLSDomains returns the sorted domains that terminate TLS.
func (m RoutingMap) TLSDomains() []string {
	var domains []string
	for _, d := range m.Domains() {
		if m[d].TLS {
			domains = append(domains, d)
		}
	}
	return domains
}

func (m RoutingMap) Clone() RoutingMap {
	out := make(RoutingMap, len(m))
	for d, r := range m {
		r.Paths = append([]string(nil), r.Paths...)
		out[d] = r
	}
	return out
}

// DesiredState is a desired flag set by a deployment, persisted so that a
// separately running monitor picks it up.
type DesiredState struct {
	Service   string    `gorm:"primaryKey" json:"service"`
	Desired   bool      `json:"desired"`
	RunID     string    `json:"run_id"`
	UpdatedAt time.Time `json:"updated_at"`
}
