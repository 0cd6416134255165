package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// trafficProfile describes the paced test traffic the send and demo
// commands generate: rate packets per second on each enabled channel for
// the given duration.
type trafficProfile struct {
	Rate       float64
	Duration   time.Duration
	Reliable   bool
	Unreliable bool
}

// UnmarshalYAML overlays the fields present in the document onto the
// defaults, and accepts durations in time.ParseDuration form ("5s").
func (p *trafficProfile) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		Rate       *float64 `yaml:"rate"`
		Duration   *string  `yaml:"duration"`
		Reliable   *bool    `yaml:"reliable"`
		Unreliable *bool    `yaml:"unreliable"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	if raw.Rate != nil {
		p.Rate = *raw.Rate
	}
	if raw.Duration != nil {
		d, err := time.ParseDuration(*raw.Duration)
		if err != nil {
			return err
		}
		p.Duration = d
	}
	if raw.Reliable != nil {
		p.Reliable = *raw.Reliable
	}
	if raw.Unreliable != nil {
		p.Unreliable = *raw.Unreliable
	}
	return nil
}

func defaultProfile() trafficProfile {
	return trafficProfile{
		Rate:       100,
		Duration:   30 * time.Second,
		Reliable:   true,
		Unreliable: true,
	}
}

func loadProfile(path string) (trafficProfile, error) {
	p := defaultProfile()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, errors.Wrapf(err, "read profile %s", path)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, errors.Wrapf(err, "parse profile %s", path)
	}
	if p.Rate <= 0 {
		return p, errors.Errorf("profile %s: rate must be positive", path)
	}
	return p, nil
}
