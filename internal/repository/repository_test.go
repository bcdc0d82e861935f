package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/request"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/domain/template"
)

func TestPageBounds(t *testing.T) {
	tests := []struct {
		name       string
		page       Page
		n          int
		start, end int
	}{
		{"zero page returns everything", Page{}, 10, 0, 10},
		{"limit caps the window", Page{Limit: 3}, 10, 0, 3},
		{"offset shifts the window", Page{Limit: 3, Offset: 4}, 10, 4, 7},
		{"window clipped at the end", Page{Limit: 5, Offset: 8}, 10, 8, 10},
		{"offset past the end is empty", Page{Limit: 5, Offset: 12}, 10, 10, 10},
		{"negative offset treated as zero", Page{Offset: -2}, 4, 0, 4},
		{"empty set", Page{Limit: 3, Offset: 1}, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := tt.page.Bounds(tt.n)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
		})
	}
}

func TestRequestFilterMatches(t *testing.T) {
	snap := request.Snapshot{
		RequestID:   shared.NewProvisionRequestID().String(),
		RequestType: shared.RequestTypeProvision,
		Status:      request.StatusInProgress,
		CreatedAt:   time.Now(),
	}

	assert.True(t, RequestFilter{}.Matches(snap))
	assert.True(t, RequestFilter{Status: request.StatusInProgress}.Matches(snap))
	assert.False(t, RequestFilter{Status: request.StatusPending}.Matches(snap))
	assert.True(t, RequestFilter{RequestType: shared.RequestTypeProvision}.Matches(snap))
	assert.False(t, RequestFilter{RequestType: shared.RequestTypeReturn}.Matches(snap))
	assert.True(t, RequestFilter{ActiveOnly: true}.Matches(snap))

	snap.Status = request.StatusCompleted
	assert.False(t, RequestFilter{ActiveOnly: true}.Matches(snap))
	assert.True(t, RequestFilter{Status: request.StatusCompleted}.Matches(snap))
}

func TestMachineFilterMatches(t *testing.T) {
	snap := machine.Snapshot{
		MachineID:          shared.NewMachineID().String(),
		ProviderInstanceID: "i-0123456789abcdef0",
		RequestID:          shared.NewProvisionRequestID().String(),
		TemplateID:         "Template-VM-1",
		Status:             machine.StatusRunning,
	}

	assert.True(t, MachineFilter{}.Matches(snap))
	assert.True(t, MachineFilter{Status: machine.StatusRunning}.Matches(snap))
	assert.False(t, MachineFilter{Status: machine.StatusPending}.Matches(snap))
	assert.True(t, MachineFilter{RequestID: snap.RequestID}.Matches(snap))
	assert.False(t, MachineFilter{RequestID: "req-other"}.Matches(snap))
	assert.True(t, MachineFilter{TemplateID: "Template-VM-1"}.Matches(snap))
	assert.False(t, MachineFilter{TemplateID: "Template-VM-2"}.Matches(snap))

	assert.True(t, MachineFilter{ProviderInstanceIDs: []string{"i-0123456789abcdef0", "i-other"}}.Matches(snap))
	assert.False(t, MachineFilter{ProviderInstanceIDs: []string{"i-other"}}.Matches(snap))
	// empty strings in the set never match machines without a provider id
	snap.ProviderInstanceID = ""
	assert.False(t, MachineFilter{ProviderInstanceIDs: []string{""}}.Matches(snap))
}

func TestTemplateFilterMatches(t *testing.T) {
	def := template.Definition{
		TemplateID:  "Template-VM-1",
		ProviderAPI: "aws",
		IsActive:    true,
	}

	assert.True(t, TemplateFilter{}.Matches(def))
	assert.True(t, TemplateFilter{ProviderAPI: "aws"}.Matches(def))
	assert.False(t, TemplateFilter{ProviderAPI: "azure"}.Matches(def))
	assert.True(t, TemplateFilter{ActiveOnly: true}.Matches(def))

	def.IsActive = false
	assert.False(t, TemplateFilter{ActiveOnly: true}.Matches(def))
}
