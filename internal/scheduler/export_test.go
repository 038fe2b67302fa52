package scheduler

// Tracked reports how many workflows and task runs the orchestrator holds
func (o *Orchestrator) Tracked() (workflows, runs int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.workflows), len(o.runs)
}
