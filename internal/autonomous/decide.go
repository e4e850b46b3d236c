// ABOUTME: Pure decision engine mapping scan results to recommended actions.
// ABOUTME: Rules are independent; all matching rules fire except the score pair.

package autonomous

// Priority orders queued actions; lower values run first.
type Priority int

const (
	PriorityCritical Priority = 1 // security threats
	PriorityHigh     Priority = 2 // system repairs
	PriorityMedium   Priority = 3 // optimizations
	PriorityLow      Priority = 4 // maintenance
)

// Threat is one finding from a security scan.
type Threat struct {
	Type string `json:"type"`
	PID  int    `json:"pid,omitempty"`
	Name string `json:"name,omitempty"`
	Port int    `json:"port,omitempty"`
}

// Issue is one non-threat problem from a health scan.
type Issue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message,omitempty"`
}

// ScanResult is the input to the decision engine.
type ScanResult struct {
	Score        int      `json:"score"`
	ThreatsFound []Threat `json:"threats_found,omitempty"`
	IssuesFound  []Issue  `json:"issues_found,omitempty"`
}

// Recommendation is one suggested action with its queueing priority.
type Recommendation struct {
	Action   string         `json:"action"`
	Priority Priority       `json:"priority"`
	Params   map[string]any `json:"params,omitempty"`
	Reason   string         `json:"reason"`
}

// Thresholds hold the health-score cutoffs driving the score rules.
type Thresholds struct {
	CriticalScore int // below this: full_repair at CRITICAL
	DegradedScore int // below this (but not critical): deep_clean at HIGH
}

// DefaultThresholds preserve the historical cutoffs.
var DefaultThresholds = Thresholds{CriticalScore: 40, DegradedScore: 60}

// Analyze maps a scan result to recommendations, in generation order.
// The two score rules are mutually exclusive; every other rule fires
// independently per matching finding.
func Analyze(scan ScanResult, th Thresholds) []Recommendation {
	var recs []Recommendation

	switch {
	case scan.Score < th.CriticalScore:
		recs = append(recs, Recommendation{
			Action:   "full_repair",
			Priority: PriorityCritical,
			Reason:   "health score critically low",
		})
	case scan.Score < th.DegradedScore:
		recs = append(recs, Recommendation{
			Action:   "deep_clean",
			Priority: PriorityHigh,
			Reason:   "health score low",
		})
	}

	for _, threat := range scan.ThreatsFound {
		switch threat.Type {
		case "suspicious_process":
			recs = append(recs, Recommendation{
				Action:   "kill_process",
				Priority: PriorityCritical,
				Params:   map[string]any{"pid": threat.PID, "name": threat.Name},
				Reason:   "suspicious process " + threat.Name,
			})
		case "suspicious_connection":
			recs = append(recs, Recommendation{
				Action:   "block_connection",
				Priority: PriorityCritical,
				Params:   map[string]any{"port": threat.Port},
				Reason:   "suspicious connection",
			})
		}
	}

	for _, issue := range scan.IssuesFound {
		switch {
		case issue.Type == "disk" && issue.Severity == "high":
			recs = append(recs, Recommendation{
				Action:   "clean_disk",
				Priority: PriorityHigh,
				Reason:   reasonOr(issue.Message, "disk nearly full"),
			})
		case issue.Type == "memory" && issue.Severity == "high":
			recs = append(recs, Recommendation{
				Action:   "free_memory",
				Priority: PriorityHigh,
				Reason:   reasonOr(issue.Message, "memory nearly full"),
			})
		case issue.Type == "security":
			// Any severity.
			recs = append(recs, Recommendation{
				Action:   "fix_security",
				Priority: PriorityCritical,
				Reason:   reasonOr(issue.Message, "security issue"),
			})
		}
	}

	return recs
}

func reasonOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
