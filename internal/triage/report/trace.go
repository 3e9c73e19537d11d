package report

import (
	"regexp"
	"strings"
	"time"
)

const (
	StepLLMResponse   = "llm_response"
	StepCodeExecution = "code_execution"
)

type TraceStep struct {
	Iteration int    `json:"iteration"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

var (
	iterationMarker = regexp.MustCompile(`(?i)^\s*(?:#+\s*)?(?:iteration|iter|step)\s*[:#-]?\s*(\d+)\b`)
	codeFence       = regexp.MustCompile("^\\s*```")
)

// ParseTraceSteps splits a final response into steps at iteration markers
// and code fences. Text with no structure becomes a single step.
func ParseTraceSteps(text string, now time.Time) []TraceStep {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	ts := now.UTC().Format(time.RFC3339Nano)
	var (
		steps   []TraceStep
		buf     []string
		iter    = 1
		kind    = StepLLMResponse
		inFence bool
	)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		content := strings.TrimSpace(strings.Join(buf, "\n"))
		buf = buf[:0]
		if content == "" {
			return
		}
		steps = append(steps, TraceStep{Iteration: iter, Type: kind, Content: content, Timestamp: ts})
	}

	for _, line := range strings.Split(text, "\n") {
		if m := iterationMarker.FindStringSubmatch(line); m != nil && !inFence {
			flush()
			iter = toInt(m[1])
			kind = StepLLMResponse
			continue
		}
		if codeFence.MatchString(line) {
			if inFence {
				buf = append(buf, line)
				flush()
				inFence = false
				kind = StepLLMResponse
				continue
			}
			flush()
			inFence = true
			kind = StepCodeExecution
			buf = append(buf, line)
			continue
		}
		buf = append(buf, line)
	}
	flush()

	if len(steps) == 0 {
		return []TraceStep{{Iteration: 1, Type: StepLLMResponse, Content: text, Timestamp: ts}}
	}
	return steps
}

// Limits bound the previews kept in raw iteration records.
type Limits struct {
	StdoutChars   int
	StderrChars   int
	ResponseChars int
}

type CodeBlock struct {
	Index                int     `json:"index"`
	Code                 string  `json:"code"`
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`
	StdoutPreview        string  `json:"stdout_preview"`
	StderrPreview        string  `json:"stderr_preview"`
	StdoutChars          int     `json:"stdout_chars"`
	StderrChars          int     `json:"stderr_chars"`
	FinalAnswer          any     `json:"final_answer"`
}

type RawIteration struct {
	CompletionLabel      string      `json:"completion_label"`
	Iteration            int         `json:"iteration"`
	Timestamp            string      `json:"timestamp"`
	IterationTimeSeconds float64     `json:"iteration_time_seconds"`
	ResponsePreview      string      `json:"response_preview"`
	ResponseChars        int         `json:"response_chars"`
	CodeBlocks           []CodeBlock `json:"code_blocks"`
}

// ExtractRawIterations reads metadata["iterations"] from a completion and
// truncates previews to the configured limits.
func ExtractRawIterations(metadata map[string]any, label string, lim Limits) []RawIteration {
	var out []RawIteration
	for _, entry := range list(metadata["iterations"]) {
		it, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		var blocks []CodeBlock
		for i, b := range list(it["code_blocks"]) {
			block, ok := b.(map[string]any)
			if !ok {
				continue
			}
			result, _ := block["result"].(map[string]any)
			stdout := stringify(result["stdout"])
			stderr := stringify(result["stderr"])
			blocks = append(blocks, CodeBlock{
				Index:                i + 1,
				Code:                 stringify(block["code"]),
				ExecutionTimeSeconds: toFloat(result["execution_time"], 0),
				StdoutPreview:        truncateRunes(stdout, lim.StdoutChars),
				StderrPreview:        truncateRunes(stderr, lim.StderrChars),
				StdoutChars:          len([]rune(stdout)),
				StderrChars:          len([]rune(stderr)),
				FinalAnswer:          result["final_answer"],
			})
		}
		response := stringify(it["response"])
		n := len(out) + 1
		if v, ok := it["iteration"]; ok {
			n = toInt(v)
		}
		out = append(out, RawIteration{
			CompletionLabel:      label,
			Iteration:            n,
			Timestamp:            stringify(it["timestamp"]),
			IterationTimeSeconds: toFloat(it["iteration_time"], 0),
			ResponsePreview:      truncateRunes(response, lim.ResponseChars),
			ResponseChars:        len([]rune(response)),
			CodeBlocks:           blocks,
		})
	}
	return out
}

// LastSeen returns the last iteration number and its code block count.
func LastSeen(iters []RawIteration) (iteration, blocks int) {
	if len(iters) == 0 {
		return 0, 0
	}
	last := iters[len(iters)-1]
	return last.Iteration, len(last.CodeBlocks)
}
