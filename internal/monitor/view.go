package monitor

import (
	"strings"

	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
	"github.com/fyrsmithlabs/phaseflow/internal/runs"
)

// PhaseView is the display state of one phase.
type PhaseView struct {
	Name   string
	Status string
	Tasks  []TaskView
}

// Done reports whether the phase will not change anymore.
func (p PhaseView) Done() bool {
	switch p.Status {
	case "pending", "running":
		return false
	}
	return true
}

// TaskView is the display state of one task.
type TaskView struct {
	ID      string
	Status  string
	Attempt int
}

// PhaseViews derives per-phase state from a run snapshot. A finished run
// carries its full result; a live run is reconstructed from its events.
// order lists the pipeline's phases so ones that have not started show as
// pending.
func PhaseViews(run runs.Run, order []string) []PhaseView {
	if run.Result != nil {
		views := make([]PhaseView, 0, len(run.Result.Phases))
		for _, p := range run.Result.Phases {
			v := PhaseView{Name: p.Name, Status: string(p.Status)}
			for _, t := range p.Tasks {
				v.Tasks = append(v.Tasks, TaskView{ID: t.ID, Status: string(t.Status), Attempt: t.Attempt})
			}
			views = append(views, v)
		}
		return views
	}

	views := make([]PhaseView, 0, len(order))
	index := make(map[string]int, len(order))
	phase := func(name string) *PhaseView {
		i, ok := index[name]
		if !ok {
			i = len(views)
			index[name] = i
			views = append(views, PhaseView{Name: name, Status: "pending"})
		}
		return &views[i]
	}
	for _, name := range order {
		phase(name)
	}

	for _, ev := range run.Events {
		if ev.Phase == "" {
			continue
		}
		p := phase(ev.Phase)
		kind, state, _ := strings.Cut(string(ev.Type), ".")
		switch kind {
		case "phase":
			if state == "started" {
				state = "running"
			}
			p.Status = state
		case "task", "remediation":
			t := p.task(ev.TaskID)
			if ev.Attempt > t.Attempt {
				t.Attempt = ev.Attempt
			}
			switch ev.Type {
			case orchestrator.EventTaskStarted:
				t.Status = "running"
			case orchestrator.EventRemediationRequested:
				t.Status = "remediating"
			case orchestrator.EventRemediationAcknowledged:
				t.Status = "pending"
			default:
				t.Status = state
			}
		}
	}
	return views
}

func (p *PhaseView) task(id string) *TaskView {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	p.Tasks = append(p.Tasks, TaskView{ID: id, Status: "pending"})
	return &p.Tasks[len(p.Tasks)-1]
}
