// Package template contains the template aggregate: the provider-facing
// machine blueprint the scheduler selects when it asks for capacity.
// Templates are configuration data, not transactional state. They are loaded
// from files or created through commands, cached, and replaced atomically;
// they are never mutated in place while cached.
package template

import (
	"time"

	"hostbroker/internal/domain/shared"
	"hostbroker/internal/errors"
)

// PriceType selects the purchasing model for machines from a template.
type PriceType string

const (
	PriceTypeOnDemand      PriceType = "ondemand"
	PriceTypeSpot          PriceType = "spot"
	PriceTypeHeterogeneous PriceType = "heterogeneous"
)

// Valid reports whether the price type is one of the known values.
func (p PriceType) Valid() bool {
	switch p {
	case PriceTypeOnDemand, PriceTypeSpot, PriceTypeHeterogeneous:
		return true
	}
	return false
}

// RootVolume describes the root EBS device requested for machines.
type RootVolume struct {
	SizeGB     int    `json:"size_gb,omitempty"`
	VolumeType string `json:"volume_type,omitempty"`
	IOPS       int    `json:"iops,omitempty"`
}

// Definition is the full, exported shape of a template. It serves both as the
// constructor input and as the persistence snapshot; field names follow the
// internal naming produced by the scheduler field remapping.
type Definition struct {
	TemplateID       string `json:"template_id"`
	ProviderAPI      string `json:"provider_api"`
	ProviderType     string `json:"provider_type,omitempty"`
	ProviderName     string `json:"provider_name,omitempty"`
	MaxNumber        int    `json:"max_number"`
	ImageID          string `json:"image_id"`
	InstanceType     string `json:"instance_type,omitempty"`
	InstanceTypes    map[string]int `json:"instance_types,omitempty"`
	InstanceTypesOnDemand map[string]int `json:"instance_types_ondemand,omitempty"`
	SubnetIDs        []string       `json:"subnet_ids"`
	SecurityGroupIDs []string       `json:"security_group_ids,omitempty"`
	PriceType        PriceType      `json:"price_type"`

	// Spot and fleet parameters; only meaningful when price_type != ondemand.
	MaxSpotPrice               float64 `json:"max_spot_price,omitempty"`
	AllocationStrategy         string  `json:"allocation_strategy,omitempty"`
	AllocationStrategyOnDemand string  `json:"allocation_strategy_ondemand,omitempty"`
	PercentOnDemand            *int    `json:"percent_on_demand,omitempty"`
	FleetRole                  string  `json:"fleet_role,omitempty"`
	SpotFleetRequestExpiryMin  int     `json:"spot_fleet_request_expiry,omitempty"`
	PoolsCount                 int     `json:"pools_count,omitempty"`

	LaunchTemplateID string            `json:"launch_template_id,omitempty"`
	InstanceProfile  string            `json:"instance_profile,omitempty"`
	UserData         string            `json:"user_data,omitempty"`
	KeyName          string            `json:"key_name,omitempty"`
	RootVolume       *RootVolume       `json:"root_volume,omitempty"`
	Tags             shared.Tags       `json:"tags,omitempty"`
	Attributes       Attributes        `json:"attributes,omitempty"`
	Context          map[string]string `json:"context,omitempty"`

	// Handler selection hints, see the AWS handler factory.
	UseFleet         *bool `json:"use_fleet,omitempty"`
	UseSpotInstances bool  `json:"use_spot_instances,omitempty"`
	UseAutoScaling   bool  `json:"use_auto_scaling,omitempty"`

	IsActive     bool   `json:"is_active"`
	SourceFile   string `json:"source_file,omitempty"`
	FilePriority int    `json:"file_priority,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Template is the aggregate wrapping a validated Definition.
type Template struct {
	shared.AggregateBase

	id  shared.TemplateID
	def Definition
}

// New creates a template from a definition, enforcing structural invariants
// and emitting a TemplateCreated event. Use Restore for templates loaded from
// files or a repository.
func New(def Definition) (*Template, error) {
	t, err := build(def)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	t.def.CreatedAt = now
	t.def.UpdatedAt = now
	t.AddEvent(NewTemplateCreatedEvent(t.id, t.def.ProviderAPI, t.Version()))
	return t, nil
}

// Restore rebuilds a template from persisted or file-loaded state without
// emitting events.
func Restore(def Definition, version int) (*Template, error) {
	t, err := build(def)
	if err != nil {
		return nil, err
	}
	t.AggregateBase = shared.RestoreAggregateBase(def.TemplateID, version)
	return t, nil
}

func build(def Definition) (*Template, error) {
	id, err := shared.NewTemplateID(def.TemplateID)
	if err != nil {
		return nil, errors.Validation(errors.CodeTemplateInvalid, "invalid template id").
			WithCause(err).
			WithField("template_id", err.Error()).
			Build()
	}
	def.TemplateID = id.String()

	if def.PriceType == "" {
		def.PriceType = PriceTypeOnDemand
	}
	if def.Tags == nil {
		def.Tags = shared.NewTags()
	}

	t := &Template{
		AggregateBase: shared.NewAggregateBase(id.String()),
		id:            id,
		def:           def,
	}
	if err := t.ValidateInvariants(); err != nil {
		return nil, err
	}
	return t, nil
}

// ValidateInvariants checks the structural rules that must hold for every
// template regardless of provider. Provider-specific rules (AMI id format,
// subnet id format) belong to the template validator.
func (t *Template) ValidateInvariants() error {
	b := errors.Validation(errors.CodeTemplateInvalid, "template invariants violated").
		WithResource(t.def.TemplateID)
	violated := false

	if t.def.ProviderAPI == "" {
		b.WithField("provider_api", "required")
		violated = true
	}
	if t.def.MaxNumber < 1 {
		b.WithField("max_number", "must be >= 1")
		violated = true
	}
	if !t.def.PriceType.Valid() {
		b.WithField("price_type", "must be one of ondemand, spot, heterogeneous")
		violated = true
	}
	if len(t.def.InstanceTypes) > 0 && t.def.InstanceType == "" {
		// The loader derives instance_type from the first input key; reaching
		// this point means normalization was skipped.
		b.WithField("instance_type", "must be derived when instance_types is set")
		violated = true
	}
	if t.def.InstanceType == "" && len(t.def.InstanceTypes) == 0 {
		b.WithField("instance_type", "one of instance_type or instance_types is required")
		violated = true
	}
	if t.def.PriceType == PriceTypeHeterogeneous &&
		len(t.def.InstanceTypesOnDemand) == 0 && t.def.PercentOnDemand == nil {
		b.WithField("price_type", "heterogeneous requires instance_types_ondemand or percent_on_demand")
		violated = true
	}
	if t.def.PriceType == PriceTypeOnDemand && t.def.MaxSpotPrice > 0 {
		b.WithField("max_spot_price", "only valid when price_type != ondemand")
		violated = true
	}
	if t.def.PercentOnDemand != nil {
		if p := *t.def.PercentOnDemand; p < 0 || p > 100 {
			b.WithField("percent_on_demand", "must be between 0 and 100")
			violated = true
		}
	}

	if violated {
		return b.Build()
	}
	return nil
}

// Update replaces the mutable parts of the definition, revalidates, and emits
// a TemplateUpdated event. Identity and provenance fields are preserved.
func (t *Template) Update(def Definition) error {
	def.TemplateID = t.def.TemplateID
	def.SourceFile = t.def.SourceFile
	def.FilePriority = t.def.FilePriority
	def.CreatedAt = t.def.CreatedAt
	if def.PriceType == "" {
		def.PriceType = t.def.PriceType
	}
	if def.Tags == nil {
		def.Tags = t.def.Tags.Clone()
	}

	prev := t.def
	t.def = def
	if err := t.ValidateInvariants(); err != nil {
		t.def = prev
		return err
	}
	t.def.UpdatedAt = time.Now()
	t.AddEvent(NewTemplateUpdatedEvent(t.id, t.def.ProviderAPI, t.Version()))
	return nil
}

// Deactivate marks the template unavailable for new requests.
func (t *Template) Deactivate() {
	if !t.def.IsActive {
		return
	}
	t.def.IsActive = false
	t.def.UpdatedAt = time.Now()
	t.AddEvent(NewTemplateUpdatedEvent(t.id, t.def.ProviderAPI, t.Version()))
}

// Snapshot returns the definition for persistence and wire mapping.
func (t *Template) Snapshot() Definition {
	return t.def
}

// TemplateID returns the template identifier.
func (t *Template) TemplateID() shared.TemplateID {
	return t.id
}

// ProviderAPI returns the provider API name, e.g. "aws".
func (t *Template) ProviderAPI() string {
	return t.def.ProviderAPI
}

// MaxNumber returns the maximum machine count a single request may ask for.
func (t *Template) MaxNumber() int {
	return t.def.MaxNumber
}

// ImageID returns the machine image id.
func (t *Template) ImageID() string {
	return t.def.ImageID
}

// InstanceType returns the primary instance type.
func (t *Template) InstanceType() string {
	return t.def.InstanceType
}

// InstanceTypes returns the weighted instance type map, if set.
func (t *Template) InstanceTypes() map[string]int {
	return t.def.InstanceTypes
}

// SubnetIDs returns the normalized subnet list.
func (t *Template) SubnetIDs() []string {
	return t.def.SubnetIDs
}

// SecurityGroupIDs returns the security group list.
func (t *Template) SecurityGroupIDs() []string {
	return t.def.SecurityGroupIDs
}

// PriceType returns the purchasing model.
func (t *Template) PriceType() PriceType {
	return t.def.PriceType
}

// Tags returns the template tags.
func (t *Template) Tags() shared.Tags {
	return t.def.Tags
}

// IsActive reports whether the template may serve new requests.
func (t *Template) IsActive() bool {
	return t.def.IsActive
}

// UsesSpot reports whether the spot handler should serve this template.
func (t *Template) UsesSpot() bool {
	return t.def.UsesSpot()
}

// UsesAutoScaling reports whether the auto-scaling handler should serve this
// template.
func (t *Template) UsesAutoScaling() bool {
	return t.def.UsesAutoScaling()
}

// UsesFleet reports whether the EC2 Fleet handler should serve this template.
// Fleet is the default when the template does not opt out.
func (t *Template) UsesFleet() bool {
	return t.def.UsesFleet()
}

// UsesSpot reports whether machines should be provisioned on the spot market.
func (d Definition) UsesSpot() bool {
	return d.UseSpotInstances || d.PriceType == PriceTypeSpot
}

// UsesAutoScaling reports whether the auto-scaling handler should serve this
// definition.
func (d Definition) UsesAutoScaling() bool {
	return d.UseAutoScaling
}

// UsesFleet reports whether the EC2 Fleet handler should serve this
// definition. Fleet is the default when the definition does not opt out.
func (d Definition) UsesFleet() bool {
	if d.PriceType == PriceTypeHeterogeneous {
		return true
	}
	if d.UseFleet == nil {
		return true
	}
	return *d.UseFleet
}
