package handlers

import (
	"hostbroker/internal/application/queries"
	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/request"
)

func requestView(r *request.Request) queries.RequestView {
	view := queries.RequestView{
		RequestID:     r.RequestID().String(),
		RequestType:   r.Type(),
		Status:        r.Status(),
		MachineCount:  r.MachineCount(),
		ProviderName:  r.ProviderName(),
		Priority:      r.Priority(),
		Tags:          r.Tags().Clone(),
		CreatedAt:     r.CreatedAt(),
		UpdatedAt:     r.UpdatedAt(),
		CompletedAt:   r.CompletedAt(),
		CancelPending: r.CancellationRequested(),
		Error:         r.ErrorSummary(),
	}
	if tid := r.TemplateID().String(); tid != "" {
		view.TemplateID = tid
	}
	for _, id := range r.MachineIDs() {
		view.MachineIDs = append(view.MachineIDs, id.String())
	}
	return view
}

func machineView(m *machine.Machine) queries.MachineView {
	return queries.MachineView{
		MachineID:          m.MachineID().String(),
		ProviderInstanceID: m.ProviderInstanceID(),
		RequestID:          m.RequestID().String(),
		TemplateID:         m.TemplateID().String(),
		Status:             m.Status(),
		InstanceType:       m.InstanceType(),
		PrivateIP:          m.PrivateIP(),
		PublicIP:           m.PublicIP(),
		LaunchTime:         m.LaunchTime(),
		Tags:               m.Tags().Clone(),
		Message:            m.Message(),
		CreatedAt:          m.CreatedAt(),
		UpdatedAt:          m.UpdatedAt(),
	}
}

func machineViews(machines []*machine.Machine) []queries.MachineView {
	views := make([]queries.MachineView, 0, len(machines))
	for _, m := range machines {
		views = append(views, machineView(m))
	}
	return views
}
