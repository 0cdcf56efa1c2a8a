package fhir

// MIME types used on the $import exchange.
const (
	// MediaTypeJSON is the content type of FHIR request and response bodies.
	MediaTypeJSON = "application/fhir+json"
	// MediaTypeNDJSON is the inputFormat code and the content type of the
	// newline-delimited input files themselves.
	MediaTypeNDJSON = "application/fhir+ndjson"
)

// Input names one file of an import manifest: the resource type it carries
// and the URL the server fetches it from.
type Input struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Parameters is the FHIR Parameters resource. Parts nest one level deep on
// this operation, so Parameter doubles as its own part type.
type Parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []Parameter `json:"parameter"`
}

type Parameter struct {
	Name      string      `json:"name"`
	ValueCode string      `json:"valueCode,omitempty"`
	ValueURI  string      `json:"valueUri,omitempty"`
	Part      []Parameter `json:"part,omitempty"`
}

// ImportParameters builds the Parameters resource submitted to $import.
// source is the base URL of the file server the inputs resolve against,
// recorded verbatim in the job metadata.
func ImportParameters(source string, inputs []Input) Parameters {
	params := Parameters{
		ResourceType: "Parameters",
		Parameter: []Parameter{
			{Name: "inputFormat", ValueCode: MediaTypeNDJSON},
			{Name: "inputSource", ValueURI: source},
			{Name: "storageDetail", Part: []Parameter{
				{Name: "type", ValueCode: "https"},
			}},
		},
	}
	for _, in := range inputs {
		params.Parameter = append(params.Parameter, Parameter{
			Name: "input",
			Part: []Parameter{
				{Name: "type", ValueCode: in.Type},
				{Name: "url", ValueURI: in.URL},
			},
		})
	}
	return params
}

// Outcome is the completion payload of a finished import job.
type Outcome struct {
	TransactionTime string         `json:"transactionTime,omitempty"`
	Output          []OutcomeEntry `json:"output,omitempty"`
	Error           []OutcomeEntry `json:"error,omitempty"`
	Extension       map[string]any `json:"extension,omitempty"`
}

// OutcomeEntry reports the disposition of one input file.
type OutcomeEntry struct {
	Type     string `json:"type"`
	Count    int64  `json:"count"`
	InputURL string `json:"inputUrl,omitempty"`
	URL      string `json:"url,omitempty"`
}

// TotalImported sums the per-file success counts.
func (o Outcome) TotalImported() int64 {
	var n int64
	for _, e := range o.Output {
		n += e.Count
	}
	return n
}

// TotalErrors sums the per-file error counts.
func (o Outcome) TotalErrors() int64 {
	var n int64
	for _, e := range o.Error {
		n += e.Count
	}
	return n
}

// OperationOutcome is the FHIR error resource servers return on rejected
// requests.
type OperationOutcome struct {
	Issue []Issue `json:"issue"`
}

type Issue struct {
	Severity    string        `json:"severity"`
	Code        string        `json:"code"`
	Diagnostics string        `json:"diagnostics,omitempty"`
	Details     *IssueDetails `json:"details,omitempty"`
}

type IssueDetails struct {
	Text string `json:"text,omitempty"`
}

// Text returns the most specific human-readable description of the issue.
func (i Issue) Text() string {
	if i.Details != nil && i.Details.Text != "" {
		return i.Details.Text
	}
	return i.Diagnostics
}
