package template

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostbroker/internal/domain/shared"
	"hostbroker/internal/errors"
)

func validDefinition() Definition {
	return Definition{
		TemplateID:       "Template-VM-1",
		ProviderAPI:      "aws",
		MaxNumber:        10,
		ImageID:          "ami-0abcdef1234567890",
		InstanceType:     "t3.medium",
		SubnetIDs:        []string{"subnet-0123456789abcdef0"},
		SecurityGroupIDs: []string{"sg-0123456789abcdef0"},
		PriceType:        PriceTypeOnDemand,
		IsActive:         true,
	}
}

func TestNew_ValidDefinition(t *testing.T) {
	tmpl, err := New(validDefinition())
	require.NoError(t, err)

	assert.Equal(t, "Template-VM-1", tmpl.TemplateID().String())
	assert.Equal(t, "aws", tmpl.ProviderAPI())
	assert.Equal(t, 10, tmpl.MaxNumber())
	assert.True(t, tmpl.IsActive())
	assert.False(t, tmpl.Snapshot().CreatedAt.IsZero())

	events := tmpl.UncommittedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventTemplateCreated, events[0].EventType())
	assert.Equal(t, "Template-VM-1", events[0].AggregateID())
}

func TestRestore_NoEvents(t *testing.T) {
	tmpl, err := Restore(validDefinition(), 3)
	require.NoError(t, err)

	assert.Empty(t, tmpl.UncommittedEvents())
	assert.Equal(t, 3, tmpl.Version())
}

func TestNew_InvariantViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Definition)
		field  string
	}{
		{
			name:   "missing provider api",
			mutate: func(d *Definition) { d.ProviderAPI = "" },
			field:  "provider_api",
		},
		{
			name:   "zero max number",
			mutate: func(d *Definition) { d.MaxNumber = 0 },
			field:  "max_number",
		},
		{
			name:   "bad price type",
			mutate: func(d *Definition) { d.PriceType = "reserved" },
			field:  "price_type",
		},
		{
			name: "no instance type at all",
			mutate: func(d *Definition) {
				d.InstanceType = ""
				d.InstanceTypes = nil
			},
			field: "instance_type",
		},
		{
			name: "instance_types without derived instance_type",
			mutate: func(d *Definition) {
				d.InstanceType = ""
				d.InstanceTypes = map[string]int{"t3.medium": 1}
			},
			field: "instance_type",
		},
		{
			name: "heterogeneous without ondemand split",
			mutate: func(d *Definition) {
				d.PriceType = PriceTypeHeterogeneous
				d.InstanceTypes = map[string]int{"t3.medium": 1, "t3.large": 2}
				d.InstanceType = "t3.medium"
			},
			field: "price_type",
		},
		{
			name: "spot price on ondemand template",
			mutate: func(d *Definition) {
				d.MaxSpotPrice = 0.42
			},
			field: "max_spot_price",
		},
		{
			name: "percent on demand out of range",
			mutate: func(d *Definition) {
				d.PriceType = PriceTypeHeterogeneous
				p := 140
				d.PercentOnDemand = &p
			},
			field: "percent_on_demand",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(&def)

			_, err := New(def)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))

			var be *errors.BrokerError
			require.ErrorAs(t, err, &be)
			found := false
			for _, f := range be.Fields {
				if f.Field == tt.field {
					found = true
				}
			}
			assert.True(t, found, "expected field %q in %v", tt.field, be.Fields)
		})
	}
}

func TestTemplate_HandlerSelectionHints(t *testing.T) {
	def := validDefinition()
	tmpl, err := New(def)
	require.NoError(t, err)
	// fleet is the default
	assert.True(t, tmpl.UsesFleet())
	assert.False(t, tmpl.UsesSpot())
	assert.False(t, tmpl.UsesAutoScaling())

	def = validDefinition()
	def.PriceType = PriceTypeSpot
	tmpl, err = New(def)
	require.NoError(t, err)
	assert.True(t, tmpl.UsesSpot())

	def = validDefinition()
	def.UseSpotInstances = true
	tmpl, err = New(def)
	require.NoError(t, err)
	assert.True(t, tmpl.UsesSpot())

	def = validDefinition()
	def.UseAutoScaling = true
	tmpl, err = New(def)
	require.NoError(t, err)
	assert.True(t, tmpl.UsesAutoScaling())

	def = validDefinition()
	useFleet := false
	def.UseFleet = &useFleet
	tmpl, err = New(def)
	require.NoError(t, err)
	assert.False(t, tmpl.UsesFleet())

	def = validDefinition()
	def.UseFleet = &useFleet
	def.PriceType = PriceTypeHeterogeneous
	p := 50
	def.PercentOnDemand = &p
	tmpl, err = New(def)
	require.NoError(t, err)
	// heterogeneous always goes through fleet
	assert.True(t, tmpl.UsesFleet())
}

func TestTemplate_Update(t *testing.T) {
	tmpl, err := New(validDefinition())
	require.NoError(t, err)
	tmpl.MarkEventsCommitted()

	def := tmpl.Snapshot()
	def.MaxNumber = 25
	require.NoError(t, tmpl.Update(def))

	assert.Equal(t, 25, tmpl.MaxNumber())
	events := tmpl.UncommittedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventTemplateUpdated, events[0].EventType())

	// invalid update is rejected and leaves state untouched
	bad := tmpl.Snapshot()
	bad.MaxNumber = 0
	err = tmpl.Update(bad)
	require.Error(t, err)
	assert.Equal(t, 25, tmpl.MaxNumber())
}

func TestTemplate_UpdatePreservesIdentity(t *testing.T) {
	def := validDefinition()
	def.SourceFile = "awsprov_templates.json"
	def.FilePriority = 2
	tmpl, err := Restore(def, 1)
	require.NoError(t, err)

	update := tmpl.Snapshot()
	update.TemplateID = "Other-Template"
	update.SourceFile = "elsewhere.json"
	require.NoError(t, tmpl.Update(update))

	snap := tmpl.Snapshot()
	assert.Equal(t, "Template-VM-1", snap.TemplateID)
	assert.Equal(t, "awsprov_templates.json", snap.SourceFile)
	assert.Equal(t, 2, snap.FilePriority)
}

func TestTemplate_Deactivate(t *testing.T) {
	tmpl, err := New(validDefinition())
	require.NoError(t, err)
	tmpl.MarkEventsCommitted()

	tmpl.Deactivate()
	assert.False(t, tmpl.IsActive())
	assert.Len(t, tmpl.UncommittedEvents(), 1)

	// idempotent
	tmpl.Deactivate()
	assert.Len(t, tmpl.UncommittedEvents(), 1)
}

func TestAttributeValue_JSONRoundTrip(t *testing.T) {
	attrs := Attributes{
		"type":  StringAttribute("X86_64"),
		"ncpus": NumericAttribute("4"),
		"nram":  NumericAttribute("8192"),
	}

	data, err := json.Marshal(attrs)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":["String","X86_64"]`)
	assert.Contains(t, string(data), `"ncpus":["Numeric","4"]`)

	var decoded Attributes
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, attrs, decoded)
}

func TestAttributeValue_UnmarshalUnquotedNumber(t *testing.T) {
	var a AttributeValue
	require.NoError(t, json.Unmarshal([]byte(`["Numeric", 4096]`), &a))
	assert.Equal(t, AttributeNumeric, a.Kind)
	assert.Equal(t, "4096", a.Value)

	assert.Error(t, json.Unmarshal([]byte(`["Binary", "x"]`), &a))
	assert.Error(t, json.Unmarshal([]byte(`"not-an-array"`), &a))
}

func TestTemplate_TagsDefaulted(t *testing.T) {
	def := validDefinition()
	def.Tags = nil
	tmpl, err := New(def)
	require.NoError(t, err)
	assert.NotNil(t, tmpl.Tags())
	assert.True(t, tmpl.Tags().IsEmpty())

	def = validDefinition()
	def.Tags = shared.Tags{"team": "hpc"}
	tmpl, err = New(def)
	require.NoError(t, err)
	assert.Equal(t, "hpc", tmpl.Tags()["team"])
}
