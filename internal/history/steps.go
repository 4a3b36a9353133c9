package history

import (
	"encoding/json"
	"fmt"
)

// Outcome is the result of a single pipeline step. It is implemented only by
// StepSucceeded and StepFailed.
type Outcome interface {
	outcome()
}

// StepSucceeded records a step that completed.
type StepSucceeded struct {
	Output string
}

// StepFailed records a step that returned an error.
type StepFailed struct {
	Error  string
	Output string
}

func (StepSucceeded) outcome() {}
func (StepFailed) outcome()    {}

// Step is a named entry of a StepLog.
type Step struct {
	Name    string
	Outcome Outcome
}

// Succeeded reports whether the step completed.
func (s Step) Succeeded() bool {
	_, ok := s.Outcome.(StepSucceeded)
	return ok
}

// StepLog is the ordered record of the steps a deployment ran.
type StepLog []Step

// Succeeded appends a successful step.
func (l *StepLog) Succeeded(name, output string) {
	*l = append(*l, Step{Name: name, Outcome: StepSucceeded{Output: output}})
}

// Failed appends a failed step.
func (l *StepLog) Failed(name string, err error, output string) {
	*l = append(*l, Step{Name: name, Outcome: StepFailed{Error: err.Error(), Output: output}})
}

// Lookup returns the first step with the given name.
func (l StepLog) Lookup(name string) (Step, bool) {
	for _, s := range l {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// Names returns the step names in execution order.
func (l StepLog) Names() []string {
	names := make([]string, len(l))
	for i, s := range l {
		names[i] = s.Name
	}
	return names
}

type stepJSON struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

const (
	stepStatusSuccess = "success"
	stepStatusFailed  = "failed"
)

// MarshalJSON encodes the log as an array of {name, status, output, error}.
func (s Step) MarshalJSON() ([]byte, error) {
	out := stepJSON{Name: s.Name}
	switch o := s.Outcome.(type) {
	case StepSucceeded:
		out.Status = stepStatusSuccess
		out.Output = o.Output
	case StepFailed:
		out.Status = stepStatusFailed
		out.Output = o.Output
		out.Error = o.Error
	default:
		return nil, fmt.Errorf("step %q has no outcome", s.Name)
	}
	return json.Marshal(out)
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var in stepJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	s.Name = in.Name
	switch in.Status {
	case stepStatusSuccess:
		s.Outcome = StepSucceeded{Output: in.Output}
	case stepStatusFailed:
		s.Outcome = StepFailed{Error: in.Error, Output: in.Output}
	default:
		return fmt.Errorf("step %q: unknown status %q", in.Name, in.Status)
	}
	return nil
}
