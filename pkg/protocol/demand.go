package protocol

// Demand is the predicate a run attaches restricting which runners may
// claim it. Every unset field is a wildcard.
type Demand struct {
	Hostname        string   `json:"hostname,omitempty"`
	ProjectDir      string   `json:"project_dir,omitempty"`
	ExecutorProfile string   `json:"executor_profile,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// IsZero reports whether the demand places no constraint at all.
// Demand-free runs wait indefinitely; demand-bearing runs get a
// dispatch timeout window.
func (d Demand) IsZero() bool {
	return d.Hostname == "" && d.ProjectDir == "" && d.ExecutorProfile == "" && len(d.Tags) == 0
}

// SatisfiedBy reports whether runner r satisfies the demand: every set
// scalar field must equal the runner's corresponding field, and every
// demanded tag must be present in the runner's tag set. A runner with
// RequireTags set refuses runs that demand no tags.
func (d Demand) SatisfiedBy(r Runner) bool {
	if d.Hostname != "" && d.Hostname != r.Hostname {
		return false
	}
	if d.ProjectDir != "" && d.ProjectDir != r.ProjectDir {
		return false
	}
	if d.ExecutorProfile != "" && d.ExecutorProfile != r.ExecutorProfile {
		return false
	}
	if r.RequireTags && len(d.Tags) == 0 {
		return false
	}
	for _, want := range d.Tags {
		if !hasTag(r.Tags, want) {
			return false
		}
	}
	return true
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
