package collector

import (
	"context"
	"errors"
	"fmt"

	"github.com/siteops/internal/models"
)

// Collector scrapes a source of metric samples.
type Collector interface {
	Name() string
	Scrape(ctx context.Context) ([]models.MetricSample, error)
}

// ServiceSource lists the services whose resources are collected.
type ServiceSource interface {
	Desired() []models.ServiceDescriptor
}

// Multi scrapes several collectors and returns every sample it could get.
// Failures of individual collectors are joined into the returned error.
type Multi []Collector

func (m Multi) Name() string { return "multi" }

func (m Multi) Scrape(ctx context.Context) ([]models.MetricSample, error) {
	var (
		samples []models.MetricSample
		errs    []error
	)
	for _, c := range m {
		s, err := c.Scrape(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
		samples = append(samples, s...)
	}
	return samples, errors.Join(errs...)
}
