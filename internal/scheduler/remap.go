// Package scheduler holds the field-name registry that translates between a
// scheduler's external wire names and the broker's internal names. Template
// files and inbound requests arrive with external names; everything past the
// adapter speaks internal names, and responses are translated back on the way
// out.
package scheduler

import (
	"fmt"
	"sync"

	"hostbroker/internal/errors"
)

// HostFactoryName identifies the IBM Spectrum Symphony Host Factory wire
// dialect.
const HostFactoryName = "hostfactory"

// Registry maps external field names to internal ones in two tables: a
// generic table applied for every provider of the scheduler, and per-provider
// tables applied only when the active provider matches. Every mapping is
// reversible; registrations that would make the reverse ambiguous are
// rejected.
type Registry struct {
	scheduler string

	mu              sync.RWMutex
	generic         map[string]string
	genericReverse  map[string]string
	provider        map[string]map[string]string
	providerReverse map[string]map[string]string
}

// NewRegistry creates an empty registry for the named scheduler.
func NewRegistry(scheduler string) *Registry {
	return &Registry{
		scheduler:       scheduler,
		generic:         make(map[string]string),
		genericReverse:  make(map[string]string),
		provider:        make(map[string]map[string]string),
		providerReverse: make(map[string]map[string]string),
	}
}

// Scheduler returns the scheduler name this registry serves.
func (r *Registry) Scheduler() string { return r.scheduler }

// RegisterGeneric adds a mapping applied for every provider.
func (r *Registry) RegisterGeneric(external, internal string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := checkMapping(r.generic, r.genericReverse, external, internal); err != nil {
		return err
	}
	r.generic[external] = internal
	r.genericReverse[internal] = external
	return nil
}

// RegisterProvider adds a mapping applied only when the active provider
// matches. A provider-specific mapping may shadow a generic one for the same
// external name.
func (r *Registry) RegisterProvider(provider, external, internal string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	table := r.provider[provider]
	reverse := r.providerReverse[provider]
	if table == nil {
		table = make(map[string]string)
		reverse = make(map[string]string)
		r.provider[provider] = table
		r.providerReverse[provider] = reverse
	}
	if err := checkMapping(table, reverse, external, internal); err != nil {
		return err
	}
	table[external] = internal
	reverse[internal] = external
	return nil
}

func checkMapping(forward, reverse map[string]string, external, internal string) error {
	if external == "" || internal == "" {
		return errors.Validation(errors.CodeInvalidInput, "field mapping names must be non-empty").Build()
	}
	if existing, ok := forward[external]; ok {
		return errors.Conflict(errors.CodeFieldMappingConflict,
			fmt.Sprintf("external field %q already mapped to %q", external, existing)).Build()
	}
	if existing, ok := reverse[internal]; ok {
		return errors.Conflict(errors.CodeFieldMappingConflict,
			fmt.Sprintf("internal field %q already mapped from %q", internal, existing)).Build()
	}
	return nil
}

// InternalName resolves one external field name for the given provider. The
// provider table wins over the generic table; unmapped names are returned
// unchanged with ok=false.
func (r *Registry) InternalName(provider, external string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if table, ok := r.provider[provider]; ok {
		if internal, ok := table[external]; ok {
			return internal, true
		}
	}
	if internal, ok := r.generic[external]; ok {
		return internal, true
	}
	return external, false
}

// ExternalName resolves one internal field name back to its external form.
func (r *Registry) ExternalName(provider, internal string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if table, ok := r.providerReverse[provider]; ok {
		if external, ok := table[internal]; ok {
			return external, true
		}
	}
	if external, ok := r.genericReverse[internal]; ok {
		return external, true
	}
	return internal, false
}

// Remap renames the keys of an external record to internal names. Values are
// carried over untouched; unmapped keys pass through unchanged.
func (r *Registry) Remap(provider string, record map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(record))
	for key, value := range record {
		internal, _ := r.InternalName(provider, key)
		out[internal] = value
	}
	return out
}

// Reverse renames the keys of an internal record back to external names, the
// inverse of Remap for every field held by the registry.
func (r *Registry) Reverse(provider string, record map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(record))
	for key, value := range record {
		external, _ := r.ExternalName(provider, key)
		out[external] = value
	}
	return out
}

// HostFactory returns a registry seeded with the Host Factory dialect: the
// generic camelCase table plus the AWS-only fleet and spot fields.
func HostFactory() *Registry {
	r := NewRegistry(HostFactoryName)

	generic := map[string]string{
		"templateId":       "template_id",
		"vmType":           "instance_type",
		"vmTypes":          "instance_types",
		"subnetId":         "subnet_ids",
		"maxNumber":        "max_number",
		"priceType":        "price_type",
		"instanceTags":     "tags",
		"imageId":          "image_id",
		"securityGroupIds": "security_group_ids",
		"keyName":          "key_name",
		"instanceProfile":  "instance_profile",
		"userData":         "user_data",
		"launchTemplateId": "launch_template_id",
		"machineCount":     "machine_count",
		"requestId":        "request_id",
		"machineId":        "machine_id",
		"machineIds":       "machine_ids",
		"privateIp":        "private_ip",
		"publicIp":         "public_ip",
		"launchTime":       "launch_time",
	}
	aws := map[string]string{
		"vmTypesOnDemand":            "instance_types_ondemand",
		"percentOnDemand":            "percent_on_demand",
		"fleetRole":                  "fleet_role",
		"spotPrice":                  "max_spot_price",
		"allocationStrategy":         "allocation_strategy",
		"allocationStrategyOnDemand": "allocation_strategy_ondemand",
		"poolsCount":                 "pools_count",
		"spotFleetRequestExpiry":     "spot_fleet_request_expiry",
		"useFleet":                   "use_fleet",
		"useSpotInstances":           "use_spot_instances",
		"useAutoScaling":             "use_auto_scaling",
	}

	for external, internal := range generic {
		if err := r.RegisterGeneric(external, internal); err != nil {
			panic(err)
		}
	}
	for external, internal := range aws {
		if err := r.RegisterProvider("aws", external, internal); err != nil {
			panic(err)
		}
	}
	return r
}
