package jobs

import (
	"encoding/json"
	"strings"
)

// resultFilenameLabel は成果物ファイル名を示すラベルです。
const resultFilenameLabel = "Filename"

// ResultOutcome はワークフロー出力から成果物の位置を取り出した結果です。
// Found が false の場合は「成果物の位置なし」という正常な結果で、エラーではありません。
type ResultOutcome struct {
	Filename string
	Key      string
	Found    bool
}

// ParseResultText は "label : token | label : token" 形式の自由文を解析します。
// token は値の先頭の空白区切りの語です。ラベルのない断片は無視し、同じラベルは先勝ちです。
func ParseResultText(text string) map[string]string {
	fields := make(map[string]string)
	for _, entry := range strings.Split(text, "|") {
		label, value, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		label = strings.TrimSpace(label)
		tokens := strings.Fields(value)
		if label == "" || len(tokens) == 0 {
			continue
		}
		if _, exists := fields[label]; exists {
			continue
		}
		fields[label] = tokens[0]
	}
	return fields
}

// ExtractResult はワークフロー出力の ParallelResults 先頭要素から成果物キーを組み立てます。
func ExtractResult(output json.RawMessage, resultPrefix string) ResultOutcome {
	payload := unwrapJSONString(output)
	if len(payload) == 0 {
		return ResultOutcome{}
	}

	var body struct {
		ParallelResults []json.RawMessage `json:"ParallelResults"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || len(body.ParallelResults) == 0 {
		return ResultOutcome{}
	}

	first := body.ParallelResults[0]
	var text string
	if err := json.Unmarshal(first, &text); err != nil {
		text = string(first)
	}

	fields := ParseResultText(text)
	token, ok := fields[resultFilenameLabel]
	if !ok {
		for label, v := range fields {
			if strings.EqualFold(label, resultFilenameLabel) {
				token, ok = v, true
				break
			}
		}
	}
	if !ok {
		return ResultOutcome{}
	}
	return ResultOutcome{
		Filename: token,
		Key:      resultPrefix + token,
		Found:    true,
	}
}

// unwrapJSONString は文字列としてエンコードされた JSON を1段だけ剥がします。
func unwrapJSONString(raw json.RawMessage) []byte {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err == nil {
			return []byte(strings.TrimSpace(inner))
		}
	}
	return []byte(trimmed)
}
