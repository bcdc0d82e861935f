package templates

import (
	"fmt"
	"regexp"
	"time"

	"hostbroker/internal/domain/template"
)

var (
	amiPattern    = regexp.MustCompile(`^ami-[a-f0-9]{8,17}$`)
	subnetPattern = regexp.MustCompile(`^subnet-[a-f0-9]{8,17}$`)
	sgPattern     = regexp.MustCompile(`^sg-[a-f0-9]{8,17}$`)
)

const maxNumberCeiling = 1000

// Report is the outcome of validating one template definition. Warnings do
// not make the template invalid.
type Report struct {
	TemplateID        string    `json:"template_id"`
	IsValid           bool      `json:"is_valid"`
	Errors            []string  `json:"errors"`
	Warnings          []string  `json:"warnings"`
	SupportedFeatures []string  `json:"supported_features"`
	ValidationTime    time.Time `json:"validation_time"`
	ProviderInstance  string    `json:"provider_instance"`
}

// Validate checks a definition against the broker's template rules and
// reports every violation rather than stopping at the first.
func (m *Manager) Validate(def template.Definition) Report {
	report := Report{
		TemplateID:       def.TemplateID,
		ValidationTime:   m.clock(),
		ProviderInstance: m.providerName,
	}

	fail := func(format string, args ...interface{}) {
		report.Errors = append(report.Errors, fmt.Sprintf(format, args...))
	}
	warn := func(format string, args ...interface{}) {
		report.Warnings = append(report.Warnings, fmt.Sprintf(format, args...))
	}

	if def.TemplateID == "" {
		fail("template_id is required")
	}
	if def.ImageID == "" {
		fail("image_id is required")
	} else if !amiPattern.MatchString(def.ImageID) {
		fail("image_id %q does not match ami-[a-f0-9]{8,17}", def.ImageID)
	}
	if def.InstanceType == "" && len(def.InstanceTypes) == 0 {
		fail("one of instance_type or instance_types is required")
	}
	if def.MaxNumber < 1 || def.MaxNumber > maxNumberCeiling {
		fail("max_number %d outside [1, %d]", def.MaxNumber, maxNumberCeiling)
	}
	if len(def.SubnetIDs) == 0 {
		fail("at least one subnet is required")
	}
	for _, subnet := range def.SubnetIDs {
		if !subnetPattern.MatchString(subnet) {
			fail("subnet id %q does not match subnet-[a-f0-9]{8,17}", subnet)
		}
	}
	if len(def.SubnetIDs) > 2 {
		warn("%d subnets configured; scheduler guidance recommends at most 2", len(def.SubnetIDs))
	}
	for _, sg := range def.SecurityGroupIDs {
		if !sgPattern.MatchString(sg) {
			fail("security group id %q does not match sg-[a-f0-9]{8,17}", sg)
		}
	}

	if def.PriceType != "" && !def.PriceType.Valid() {
		fail("price_type %q is not one of ondemand, spot, heterogeneous", def.PriceType)
	}

	priceType := def.PriceType
	if priceType == "" {
		priceType = template.PriceTypeOnDemand
	}
	if priceType == template.PriceTypeOnDemand {
		if spotParams := spotParameterNames(def); len(spotParams) > 0 {
			fail("spot parameters %v require price_type spot or heterogeneous", spotParams)
		}
	}
	if def.PercentOnDemand != nil {
		if p := *def.PercentOnDemand; p < 0 || p > 100 {
			fail("percent_on_demand %d outside [0, 100]", p)
		}
	}
	if priceType == template.PriceTypeHeterogeneous && len(def.InstanceTypes) == 0 {
		fail("price_type heterogeneous requires instance_types")
	}

	report.SupportedFeatures = supportedFeatures(def, priceType)
	report.IsValid = len(report.Errors) == 0
	return report
}

// spotParameterNames lists the spot-only fields a definition sets.
func spotParameterNames(def template.Definition) []string {
	var set []string
	if def.MaxSpotPrice != 0 {
		set = append(set, "max_spot_price")
	}
	if def.AllocationStrategy != "" {
		set = append(set, "allocation_strategy")
	}
	if def.PercentOnDemand != nil {
		set = append(set, "percent_on_demand")
	}
	if def.FleetRole != "" {
		set = append(set, "fleet_role")
	}
	if def.PoolsCount != 0 {
		set = append(set, "pools_count")
	}
	if def.SpotFleetRequestExpiryMin != 0 {
		set = append(set, "spot_fleet_request_expiry")
	}
	return set
}

func supportedFeatures(def template.Definition, priceType template.PriceType) []string {
	features := []string{"run_instances"}
	if def.UseFleet == nil || *def.UseFleet {
		features = append(features, "ec2_fleet")
	}
	if priceType == template.PriceTypeSpot || def.UseSpotInstances {
		features = append(features, "spot_fleet")
	}
	if def.UseAutoScaling {
		features = append(features, "auto_scaling")
	}
	if priceType == template.PriceTypeHeterogeneous {
		features = append(features, "heterogeneous")
	}
	if len(def.Context) > 0 {
		features = append(features, "context_passthrough")
	}
	return features
}
