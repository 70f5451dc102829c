package billing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan describes the subscription offered to instance owners. It is read
// from a YAML file:
//
//	plan_id: P-123
//	brand_name: wagate
//	return_url: https://example.com/api/v1/payments/sucess
//	cancel_url: https://example.com/billing/cancelled
type Plan struct {
	PlanID    string `yaml:"plan_id"`
	BrandName string `yaml:"brand_name"`
	ReturnURL string `yaml:"return_url"`
	CancelURL string `yaml:"cancel_url"`
	Locale    string `yaml:"locale"`
}

func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(data)
}

func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if p.PlanID == "" {
		return nil, fmt.Errorf("plan: plan_id is required")
	}
	if p.Locale == "" {
		p.Locale = "en-US"
	}
	return &p, nil
}
