package domain

import (
	"fmt"
	"strings"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal", "medium":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Document is immutable once indexed; retrieval shares it by pointer.
type Document struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	Category     string    `json:"category"`
	Priority     Priority  `json:"priority"`
	QualityScore float64   `json:"quality_score"`
	Embedding    []float32 `json:"dense_embedding,omitempty"`
	SourceTags   []string  `json:"source_tags,omitempty"`
}

func (d *Document) HasTag(tag string) bool {
	if tag == "" {
		return false
	}
	for _, t := range d.SourceTags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

type Classification struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}
