package templates

import (
	"testing"

	"hostbroker/internal/domain/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() template.Definition {
	return template.Definition{
		TemplateID:   "t1",
		ProviderAPI:  "aws",
		MaxNumber:    10,
		ImageID:      "ami-0abc1234def567890",
		InstanceType: "t3.medium",
		SubnetIDs:    []string{"subnet-aaaa1111bbbb2222"},
		PriceType:    template.PriceTypeOnDemand,
		IsActive:     true,
	}
}

func newValidateManager(t *testing.T) *Manager {
	t.Helper()
	return newTestManager(t, t.TempDir(), newFakeClock())
}

func TestValidate_AcceptsWellFormedDefinition(t *testing.T) {
	m := newValidateManager(t)
	report := m.Validate(validDefinition())

	assert.True(t, report.IsValid)
	assert.Empty(t, report.Errors)
	assert.Equal(t, "t1", report.TemplateID)
	assert.Equal(t, "aws-primary", report.ProviderInstance)
	assert.Contains(t, report.SupportedFeatures, "run_instances")
	assert.Contains(t, report.SupportedFeatures, "ec2_fleet")
	assert.False(t, report.ValidationTime.IsZero())
}

func TestValidate_CollectsEveryViolation(t *testing.T) {
	m := newValidateManager(t)
	report := m.Validate(template.Definition{
		TemplateID: "",
		ImageID:    "not-an-ami",
		MaxNumber:  0,
	})

	require.False(t, report.IsValid)
	assert.GreaterOrEqual(t, len(report.Errors), 4, "missing id, bad image, missing instance type, bad max_number, missing subnets")
}

func TestValidate_ImagePattern(t *testing.T) {
	m := newValidateManager(t)

	def := validDefinition()
	def.ImageID = "ami-XYZ"
	report := m.Validate(def)
	assert.False(t, report.IsValid)

	def.ImageID = "ami-0123456789abcdef0"
	report = m.Validate(def)
	assert.True(t, report.IsValid)
}

func TestValidate_MaxNumberBounds(t *testing.T) {
	m := newValidateManager(t)

	for _, n := range []int{0, -1, maxNumberCeiling + 1} {
		def := validDefinition()
		def.MaxNumber = n
		assert.False(t, m.Validate(def).IsValid, "max_number %d must be rejected", n)
	}

	def := validDefinition()
	def.MaxNumber = maxNumberCeiling
	assert.True(t, m.Validate(def).IsValid)
}

func TestValidate_SubnetAndSecurityGroupPatterns(t *testing.T) {
	m := newValidateManager(t)

	def := validDefinition()
	def.SubnetIDs = []string{"vpc-aaaa1111bbbb2222"}
	assert.False(t, m.Validate(def).IsValid)

	def = validDefinition()
	def.SecurityGroupIDs = []string{"sg-!!"}
	assert.False(t, m.Validate(def).IsValid)
}

func TestValidate_WarnsOnManySubnets(t *testing.T) {
	m := newValidateManager(t)

	def := validDefinition()
	def.SubnetIDs = []string{
		"subnet-aaaa1111bbbb2222",
		"subnet-bbbb1111cccc2222",
		"subnet-cccc1111dddd2222",
	}
	report := m.Validate(def)

	assert.True(t, report.IsValid, "warnings do not invalidate")
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "3 subnets")
}

func TestValidate_SpotParametersRequireSpotPriceType(t *testing.T) {
	m := newValidateManager(t)

	def := validDefinition()
	def.MaxSpotPrice = 0.5
	report := m.Validate(def)
	require.False(t, report.IsValid)
	assert.Contains(t, report.Errors[0], "max_spot_price")

	def.PriceType = template.PriceTypeSpot
	assert.True(t, m.Validate(def).IsValid)
}

func TestValidate_PercentOnDemandBounds(t *testing.T) {
	m := newValidateManager(t)

	for _, p := range []int{-1, 101} {
		pct := p
		def := validDefinition()
		def.PriceType = template.PriceTypeSpot
		def.PercentOnDemand = &pct
		assert.False(t, m.Validate(def).IsValid, "percent_on_demand %d must be rejected", p)
	}

	pct := 50
	def := validDefinition()
	def.PriceType = template.PriceTypeSpot
	def.PercentOnDemand = &pct
	assert.True(t, m.Validate(def).IsValid)
}

func TestValidate_HeterogeneousRequiresInstanceTypes(t *testing.T) {
	m := newValidateManager(t)

	def := validDefinition()
	def.PriceType = template.PriceTypeHeterogeneous
	def.InstanceTypes = nil
	report := m.Validate(def)
	require.False(t, report.IsValid)

	def.InstanceTypes = map[string]int{"t3.large": 2, "t2.medium": 1}
	report = m.Validate(def)
	assert.True(t, report.IsValid)
	assert.Contains(t, report.SupportedFeatures, "heterogeneous")
}

func TestValidate_UnknownPriceTypeRejected(t *testing.T) {
	m := newValidateManager(t)

	def := validDefinition()
	def.PriceType = template.PriceType("reserved")
	assert.False(t, m.Validate(def).IsValid)
}

func TestValidate_FeatureListTracksDefinition(t *testing.T) {
	m := newValidateManager(t)

	useFleet := false
	def := validDefinition()
	def.UseFleet = &useFleet
	def.UseAutoScaling = true
	def.Context = map[string]string{"cluster": "hpc-1"}
	report := m.Validate(def)

	assert.NotContains(t, report.SupportedFeatures, "ec2_fleet")
	assert.Contains(t, report.SupportedFeatures, "auto_scaling")
	assert.Contains(t, report.SupportedFeatures, "context_passthrough")
}
