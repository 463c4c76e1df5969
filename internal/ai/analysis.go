package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"
)

// Category labels are shown verbatim by the dashboard.
var threatCategories = []string{"Politique", "Religieux", "Idéologique", "Rien à signaler"}

// ThreatAssessment is the structured result of a radicalization analysis.
type ThreatAssessment struct {
	RiskScore           float64  `json:"riskScore"`
	Flags               []string `json:"flags"`
	Justification       string   `json:"justification"`
	Category            string   `json:"category"`
	RequiresHumanReview bool     `json:"requiresHumanReview"`
}

type OsintNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

type OsintLink struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

type OsintGraph struct {
	Nodes []OsintNode `json:"nodes"`
	Links []OsintLink `json:"links"`
}

// OsintReport is a summary plus an entity graph.
type OsintReport struct {
	Summary string     `json:"summary"`
	Graph   OsintGraph `json:"graph"`
}

func str() *genai.Schema { return &genai.Schema{Type: genai.TypeString} }

func object(props map[string]*genai.Schema, required ...string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeObject, Properties: props, Required: required}
}

func arrayOf(items *genai.Schema) *genai.Schema {
	return &genai.Schema{Type: genai.TypeArray, Items: items}
}

func threatSchema() *genai.Schema {
	return object(map[string]*genai.Schema{
		"riskScore":           {Type: genai.TypeNumber},
		"flags":               arrayOf(str()),
		"justification":       str(),
		"category":            {Type: genai.TypeString, Enum: threatCategories},
		"requiresHumanReview": {Type: genai.TypeBoolean},
	}, "riskScore", "flags", "justification", "category", "requiresHumanReview")
}

func osintSchema() *genai.Schema {
	node := object(map[string]*genai.Schema{
		"id":    str(),
		"label": str(),
		"type":  {Type: genai.TypeString, Enum: []string{"Person", "Organization", "Location", "Event", "Other"}},
	})
	link := object(map[string]*genai.Schema{
		"source":   str(),
		"target":   str(),
		"relation": str(),
	})
	return object(map[string]*genai.Schema{
		"summary": str(),
		"graph": object(map[string]*genai.Schema{
			"nodes": arrayOf(node),
			"links": arrayOf(link),
		}),
	})
}

// AssessThreat asks the fast model for a structured risk assessment of text.
func (e *Engine) AssessThreat(ctx context.Context, text string) (*ThreatAssessment, error) {
	out, err := e.Generate(ctx, Request{
		Model:  e.fastModel,
		System: "You are a semantic analysis engine for national security. Identify threats and return a precise risk score.",
		Prompt: fmt.Sprintf("OPERATIONAL ANALYSIS REQUIRED. Content: %q", text),
		Schema: threatSchema(),
	})
	if err != nil {
		return nil, err
	}
	var result ThreatAssessment
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		return nil, fmt.Errorf("decode threat assessment: %w", err)
	}
	return &result, nil
}

// OsintSummary asks the deep model, grounded with search, for a report on query.
func (e *Engine) OsintSummary(ctx context.Context, query string) (*OsintReport, error) {
	out, err := e.Generate(ctx, Request{
		Model:  e.deepModel,
		System: "You are a government OSINT analyst. Provide a report based on real data.",
		Prompt: fmt.Sprintf("Perform in-depth OSINT research on: %q.", query),
		Schema: osintSchema(),
		Search: true,
	})
	if err != nil {
		return nil, err
	}
	var result OsintReport
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		return nil, fmt.Errorf("decode osint report: %w", err)
	}
	return &result, nil
}

// ToolOutput asks the fast model for the standard output a security tool
// would print for query.
func (e *Engine) ToolOutput(ctx context.Context, tool, query string) (string, error) {
	return e.Generate(ctx, Request{
		Model:  e.fastModel,
		System: "You act as stdout for cybersecurity tools.",
		Prompt: fmt.Sprintf("Produce the standard technical output (stdout) of the tool %q targeting %q.", tool, query),
	})
}
