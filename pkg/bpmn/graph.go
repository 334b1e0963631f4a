package bpmn

import (
	"fmt"
	"slices"
	"strings"
)

// Process returns the process with id, or the first one when id is empty.
func (d *Definitions) Process(id string) (*Process, bool) {
	for _, p := range d.Processes {
		if id == "" || p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// Index builds the element and flow lookups. It is called by the codecs and
// must be called again after mutating a process by hand.
func (p *Process) Index() {
	p.index = make(map[string]Element)
	p.outgoing = make(map[string][]*SequenceFlow)
	p.incoming = make(map[string][]*SequenceFlow)

	for _, e := range p.StartEvents {
		p.index[e.ID] = e
	}
	for _, e := range p.EndEvents {
		p.index[e.ID] = e
	}
	for _, t := range p.UserTasks {
		p.index[t.ID] = t
	}
	for _, t := range p.ServiceTasks {
		p.index[t.ID] = t
	}
	for _, g := range p.ExclusiveGateways {
		g.kind = ExclusiveGatewayKind
		p.index[g.ID] = g
	}
	for _, g := range p.ParallelGateways {
		g.kind = ParallelGatewayKind
		p.index[g.ID] = g
	}
	for _, f := range p.SequenceFlows {
		p.index[f.ID] = f
		p.outgoing[f.SourceRef] = append(p.outgoing[f.SourceRef], f)
		p.incoming[f.TargetRef] = append(p.incoming[f.TargetRef], f)
	}
}

func (p *Process) ensureIndex() {
	if p.index == nil {
		p.Index()
	}
}

// Element looks up a node or flow by id.
func (p *Process) Element(id string) (Element, bool) {
	p.ensureIndex()
	e, ok := p.index[id]
	return e, ok
}

// Outgoing returns the flows leaving id in declaration order.
func (p *Process) Outgoing(id string) []*SequenceFlow {
	p.ensureIndex()
	return p.outgoing[id]
}

// Incoming returns the flows entering id in declaration order.
func (p *Process) Incoming(id string) []*SequenceFlow {
	p.ensureIndex()
	return p.incoming[id]
}

// UserTask looks up a user task by id.
func (p *Process) UserTask(id string) (*UserTask, bool) {
	e, ok := p.Element(id)
	if !ok {
		return nil, false
	}
	t, ok := e.(*UserTask)
	return t, ok
}

// StartEvent returns the single start event.
func (p *Process) StartEvent() (*StartEvent, error) {
	if len(p.StartEvents) != 1 {
		return nil, fmt.Errorf("process %s must declare exactly one start event, found %d", p.ID, len(p.StartEvents))
	}
	return p.StartEvents[0], nil
}

// Validate checks structural consistency: unique ids, one start event,
// flows between known nodes, delegates on service tasks, and default flows
// that leave their gateway.
func (d *Definitions) Validate() error {
	if len(d.Processes) == 0 {
		return fmt.Errorf("no process declared")
	}
	var problems []string
	for _, p := range d.Processes {
		if p.ID == "" {
			problems = append(problems, "process without id")
			continue
		}
		if strings.Contains(p.ID, ":") {
			problems = append(problems, fmt.Sprintf("process id %q must not contain ':'", p.ID))
		}
		problems = append(problems, p.validate()...)
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid definition: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (p *Process) validate() []string {
	var problems []string
	seen := make(map[string]bool)
	check := func(id string) {
		switch {
		case id == "":
			problems = append(problems, fmt.Sprintf("%s: element without id", p.ID))
		case seen[id]:
			problems = append(problems, fmt.Sprintf("%s: duplicate id %s", p.ID, id))
		}
		seen[id] = true
	}
	for _, e := range p.StartEvents {
		check(e.ID)
	}
	for _, e := range p.EndEvents {
		check(e.ID)
	}
	for _, t := range p.UserTasks {
		check(t.ID)
	}
	for _, t := range p.ServiceTasks {
		check(t.ID)
		if t.DelegateName() == "" {
			problems = append(problems, fmt.Sprintf("%s: service task %s has no delegate", p.ID, t.ID))
		}
	}
	for _, g := range slices.Concat(p.ExclusiveGateways, p.ParallelGateways) {
		check(g.ID)
	}
	for _, f := range p.SequenceFlows {
		check(f.ID)
	}

	p.Index()
	if _, err := p.StartEvent(); err != nil {
		problems = append(problems, err.Error())
	}
	for _, f := range p.SequenceFlows {
		for _, ref := range []string{f.SourceRef, f.TargetRef} {
			e, ok := p.index[ref]
			if !ok || e.Kind() == SequenceFlowKind {
				problems = append(problems, fmt.Sprintf("%s: flow %s references unknown node %q", p.ID, f.ID, ref))
			}
		}
	}
	for _, g := range p.ExclusiveGateways {
		if g.Default == "" {
			continue
		}
		if !slices.ContainsFunc(p.outgoing[g.ID], func(f *SequenceFlow) bool { return f.ID == g.Default }) {
			problems = append(problems, fmt.Sprintf("%s: default flow %s does not leave gateway %s", p.ID, g.Default, g.ID))
		}
	}
	return problems
}
