package sync

// Action is the outcome of reconciling one path.
type Action string

const (
	Created   Action = "Created"
	Replaced  Action = "Replaced"
	Unchanged Action = "Unchanged"
	Removed   Action = "Removed"
	Ignored   Action = "Ignored"
	Failed    Action = "Failed"
)

// Result records what happened to one file during a pull.
type Result struct {
	Action Action
	// Path is the device path.
	Path string
	// GitPath is the repository path, empty for residual removals.
	GitPath string
	// Err is set for Failed results.
	Err error
}

// Summary aggregates the results of a pull.
type Summary struct {
	Counts      map[Action]int
	DirsCreated int
	DirsRemoved int
	Failures    []Result

	// planned holds the device paths a dry run pretends to have created or
	// removed.
	planned map[string]bool
}

func newSummary() *Summary {
	return &Summary{Counts: make(map[Action]int), planned: make(map[string]bool)}
}

func (s *Summary) add(r Result) {
	s.Counts[r.Action]++
	if r.Action == Failed {
		s.Failures = append(s.Failures, r)
	}
}

// Changed returns the number of files written or deleted.
func (s *Summary) Changed() int {
	return s.Counts[Created] + s.Counts[Replaced] + s.Counts[Removed]
}
