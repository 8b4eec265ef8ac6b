package jsonx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

type paperDoc struct {
	ID            string                 `json:"id"`
	Title         string                 `json:"title"`
	Abstract      string                 `json:"abstract"`
	Authors       []string               `json:"authors"`
	Categories    []string               `json:"categories"`
	CitationCount int                    `json:"citation_count"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

var samplePaper = paperDoc{
	ID:            "2301.00001",
	Title:         "Attention Is All You Need",
	Abstract:      "The dominant sequence transduction models are based on complex recurrent or convolutional neural networks.",
	Authors:       []string{"Ashish Vaswani", "Noam Shazeer", "Niki Parmar"},
	Categories:    []string{"cs.CL", "cs.LG"},
	CitationCount: 100000,
	Metadata: map[string]interface{}{
		"source": "arxiv",
		"oa":     true,
	},
}

func TestRoundTrip(t *testing.T) {
	data, err := Marshal(samplePaper)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !Valid(data) {
		t.Error("Marshal produced invalid JSON")
	}

	var got paperDoc
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.ID != samplePaper.ID || got.Title != samplePaper.Title {
		t.Errorf("round trip mismatch: got %q/%q", got.ID, got.Title)
	}
	if len(got.Authors) != 3 {
		t.Errorf("expected 3 authors, got %d", len(got.Authors))
	}
}

func TestStringHelpers(t *testing.T) {
	s, err := MarshalToString(map[string]string{"doi": "10.1234/x"})
	if err != nil {
		t.Fatalf("MarshalToString failed: %v", err)
	}
	var got map[string]string
	if err := UnmarshalFromString(s, &got); err != nil {
		t.Fatalf("UnmarshalFromString failed: %v", err)
	}
	if got["doi"] != "10.1234/x" {
		t.Errorf("expected doi 10.1234/x, got %q", got["doi"])
	}
}

func TestEncoderNewlineTerminates(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.Encode(samplePaper); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Error("Encode output must be newline terminated")
	}

	var got paperDoc
	if err := NewDecoder(&buf).Decode(&got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.CitationCount != samplePaper.CitationCount {
		t.Errorf("expected citation count %d, got %d", samplePaper.CitationCount, got.CitationCount)
	}
}

func BenchmarkMarshalPaper(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = Marshal(samplePaper)
	}
}

func BenchmarkStdlibMarshalPaper(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = json.Marshal(samplePaper)
	}
}

func BenchmarkUnmarshalPaper(b *testing.B) {
	data, _ := json.Marshal(samplePaper)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var p paperDoc
		_ = Unmarshal(data, &p)
	}
}
