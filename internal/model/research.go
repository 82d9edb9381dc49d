package model

// Theme is a cluster of related work identified by trend synthesis.
type Theme struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	SourceIDs   []string `json:"source_ids,omitempty"`
}

// Trend is an observed direction of change across themes.
type Trend struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Momentum    string `json:"momentum,omitempty"`
}

// Synthesis is the output of the trend-synthesize step.
type Synthesis struct {
	Themes         []Theme  `json:"themes"`
	Trends         []Trend  `json:"trends"`
	SaturatedAreas []string `json:"saturated_areas,omitempty"`
}

// Gap is an under-explored limitation backed by retrieved sources.
type Gap struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Category        string   `json:"category,omitempty"`
	Evidence        []string `json:"evidence"`
	Themes          []string `json:"themes,omitempty"`
	PotentialImpact string   `json:"potential_impact,omitempty"`
	Confidence      float64  `json:"confidence,omitempty"`
	Score           float64  `json:"score"`
	CitationSum     int      `json:"citation_sum"`
}

// Contribution types for a Direction.
const (
	ContributionMethod      = "method"
	ContributionBenchmark   = "benchmark"
	ContributionAnalysis    = "analysis"
	ContributionApplication = "application"
)

// Direction is a ranked, evidence-backed candidate research topic.
type Direction struct {
	ID                   string   `json:"id"`
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	NoveltyAngle         string   `json:"novelty_angle"`
	FeasibilityScore     float64  `json:"feasibility_score"`
	ContributionType     string   `json:"contribution_type"`
	MinimumExperimentSet []string `json:"minimum_experiment_set"`
	RelatedGapIDs        []string `json:"related_gap_ids"`
	Evidence             []string `json:"evidence"`
	Rank                 int      `json:"rank"`
}

// DiscoveryResult is the result of a discovery run.
type DiscoveryResult struct {
	Query             string      `json:"query"`
	Themes            []Theme     `json:"themes"`
	Trends            []Trend     `json:"trends"`
	SaturatedAreas    []string    `json:"saturated_areas,omitempty"`
	Gaps              []Gap       `json:"gaps"`
	Directions        []Direction `json:"directions"`
	SourceCount       int         `json:"source_count"`
	ReportKey         string      `json:"report_key,omitempty"`
	SelectedDirection *Direction  `json:"selected_direction,omitempty"`
}

// Experiment is one entry in an experiment plan.
type Experiment struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Compute     string `json:"compute,omitempty"`
}

// ExperimentPlan is the content of an experiment_plan artifact.
type ExperimentPlan struct {
	DirectionID string       `json:"direction_id"`
	Title       string       `json:"title"`
	Objective   string       `json:"objective"`
	Hypotheses  []string     `json:"hypotheses"`
	Datasets    []string     `json:"datasets"`
	Baselines   []string     `json:"baselines"`
	Metrics     []string     `json:"metrics"`
	Experiments []Experiment `json:"experiments"`
	Risks       []string     `json:"risks,omitempty"`
	Evidence    []string     `json:"evidence"`
}

// DeepDiveResult is the result of a deep_dive run.
type DeepDiveResult struct {
	Direction   Direction      `json:"direction"`
	Plan        ExperimentPlan `json:"plan"`
	SourceCount int            `json:"source_count"`
	PlanKey     string         `json:"plan_key"`
}

// PaperSection is one section of a draft.
type PaperSection struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// PaperDraft is the content of a paper_draft artifact.
type PaperDraft struct {
	Title    string         `json:"title"`
	Abstract string         `json:"abstract"`
	Sections []PaperSection `json:"sections"`
	Notes    []string       `json:"notes,omitempty"`
}

// PaperResult is the result of a paper run.
type PaperResult struct {
	LogicalKey string `json:"logical_key"`
	Version    int    `json:"version"`
	Title      string `json:"title"`
}
