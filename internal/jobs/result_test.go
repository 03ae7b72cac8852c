package jobs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseResultText(t *testing.T) {
	tests := []struct {
		name string
		text string
		want map[string]string
	}{
		{
			name: "labels and tokens",
			text: "Filename : COMPLIANT_a.pdf | Pages: 12 | Status: done ok",
			want: map[string]string{"Filename": "COMPLIANT_a.pdf", "Pages": "12", "Status": "done"},
		},
		{
			name: "first label wins",
			text: "Filename: first.pdf | Filename: second.pdf",
			want: map[string]string{"Filename": "first.pdf"},
		},
		{
			name: "fragments without label or token are skipped",
			text: "hello world | : orphan | Empty: | Filename:x.pdf",
			want: map[string]string{"Filename": "x.pdf"},
		},
		{
			name: "colon inside value",
			text: "Filename: a:b.pdf",
			want: map[string]string{"Filename": "a:b.pdf"},
		},
		{
			name: "empty",
			text: "",
			want: map[string]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseResultText(tt.text))
		})
	}
}

func TestExtractResult(t *testing.T) {
	encoded := func(v any) json.RawMessage {
		data, _ := json.Marshal(v)
		return data
	}
	doubleEncoded := func(v any) json.RawMessage {
		return encoded(string(encoded(v)))
	}

	tests := []struct {
		name   string
		output json.RawMessage
		want   ResultOutcome
	}{
		{
			name:   "object output",
			output: encoded(map[string]any{"ParallelResults": []string{"Filename : COMPLIANT_a.pdf | Pages: 2"}}),
			want:   ResultOutcome{Filename: "COMPLIANT_a.pdf", Key: "result/COMPLIANT_a.pdf", Found: true},
		},
		{
			name:   "string encoded output",
			output: doubleEncoded(map[string]any{"ParallelResults": []string{"Filename: b.pdf"}}),
			want:   ResultOutcome{Filename: "b.pdf", Key: "result/b.pdf", Found: true},
		},
		{
			name:   "only first element is read",
			output: encoded(map[string]any{"ParallelResults": []string{"Pages: 1", "Filename: late.pdf"}}),
			want:   ResultOutcome{},
		},
		{
			name:   "label matched case-insensitively",
			output: encoded(map[string]any{"ParallelResults": []string{"filename : c.pdf"}}),
			want:   ResultOutcome{Filename: "c.pdf", Key: "result/c.pdf", Found: true},
		},
		{
			name:   "missing ParallelResults",
			output: encoded(map[string]any{"status": "ok"}),
			want:   ResultOutcome{},
		},
		{
			name:   "empty ParallelResults",
			output: encoded(map[string]any{"ParallelResults": []string{}}),
			want:   ResultOutcome{},
		},
		{
			name:   "null output",
			output: json.RawMessage("null"),
			want:   ResultOutcome{},
		},
		{
			name:   "not json",
			output: json.RawMessage(`"not { json"`),
			want:   ResultOutcome{},
		},
		{
			name:   "absent",
			output: nil,
			want:   ResultOutcome{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractResult(tt.output, "result/"))
		})
	}
}
