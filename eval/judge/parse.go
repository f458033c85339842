package judge

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// parsedVerdict 从模型输出中提取的评审结论
type parsedVerdict struct {
	Score      float64
	Reasoning  string
	Confidence *float64
}

// judgeJSON 严格 JSON 输出的期望形状
type judgeJSON struct {
	Score      *float64 `json:"score"`
	Reasoning  string   `json:"reasoning"`
	Confidence *float64 `json:"confidence"`
}

var (
	fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	scoreSlashRe  = regexp.MustCompile(`(?i)score\s*[:=]?\s*(\d+(?:\.\d+)?)\s*/\s*(\d+(?:\.\d+)?)`)
	scoreOutOfRe  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s+out\s+of\s+(\d+(?:\.\d+)?)`)
	scorePlainRe  = regexp.MustCompile(`(?i)score\s*[:=]\s*(\d+(?:\.\d+)?)`)
	firstNumberRe = regexp.MustCompile(`(\d+(?:\.\d+)?)`)
)

// parseVerdict 解析模型输出，按梯次尝试:
// 严格 JSON → 围栏代码块中的 JSON → "Score: X/Y" / "X out of Y" → 启发式。
// expectedMax 非 0 时按该满分归一化；为 0 时按 1..5 / 1..10 自动探测。
func parseVerdict(raw string, expectedMax float64) (*parsedVerdict, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("empty judge output")
	}

	// 1. 严格 JSON
	if v, ok := parseJSONVerdict(text, expectedMax); ok {
		return v, nil
	}

	// 2. 围栏代码块中的 JSON
	if m := fencedBlockRe.FindStringSubmatch(text); m != nil {
		if v, ok := parseJSONVerdict(m[1], expectedMax); ok {
			return v, nil
		}
	}

	// 3. "Score: X/Y" 与 "X out of Y"
	for _, re := range []*regexp.Regexp{scoreSlashRe, scoreOutOfRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			value, err1 := strconv.ParseFloat(m[1], 64)
			denom, err2 := strconv.ParseFloat(m[2], 64)
			if err1 == nil && err2 == nil && denom > 0 {
				return &parsedVerdict{
					Score:     clamp01(value / denom),
					Reasoning: text,
				}, nil
			}
		}
	}

	// 4. "Score: X" 后归一化
	if m := scorePlainRe.FindStringSubmatch(text); m != nil {
		if value, err := strconv.ParseFloat(m[1], 64); err == nil {
			return &parsedVerdict{
				Score:     normalizeScore(value, expectedMax),
				Reasoning: text,
			}, nil
		}
	}

	// 5. 兜底启发式：取文本中第一个数字
	if m := firstNumberRe.FindStringSubmatch(text); m != nil {
		if value, err := strconv.ParseFloat(m[1], 64); err == nil {
			return &parsedVerdict{
				Score:     normalizeScore(value, expectedMax),
				Reasoning: text,
			}, nil
		}
	}

	return nil, fmt.Errorf("no score found in judge output")
}

// parseJSONVerdict 尝试按 judgeJSON 形状解析
func parseJSONVerdict(text string, expectedMax float64) (*parsedVerdict, bool) {
	var v judgeJSON
	if err := json.Unmarshal([]byte(text), &v); err != nil || v.Score == nil {
		return nil, false
	}
	return &parsedVerdict{
		Score:      normalizeScore(*v.Score, expectedMax),
		Reasoning:  v.Reasoning,
		Confidence: v.Confidence,
	}, true
}

// normalizeScore 将评分映射到 [0,1]
// 满分 N 的量表 1..N 线性映射为 (s-1)/(N-1)。
func normalizeScore(value, expectedMax float64) float64 {
	if expectedMax > 1 {
		return clamp01((value - 1) / (expectedMax - 1))
	}
	switch {
	case value <= 1:
		return clamp01(value)
	case value <= 5:
		return clamp01((value - 1) / 4)
	case value <= 10:
		return clamp01((value - 1) / 9)
	default:
		return 1
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
