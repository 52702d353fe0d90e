package engine

import (
	"fmt"
	"strconv"
	"strings"

	xerrors "github.com/copilfi/copil/internal/errors"
)

const CodeResolutionFailure xerrors.Code = "RESOLUTION_FAILURE"

func init() {
	xerrors.Register(CodeResolutionFailure, xerrors.Attributes{
		Message:   "placeholder resolution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// ResolveInputs 在节点执行前把配置中的占位符替换为已执行节点的
// 输出。只有整串形如 "{{path}}" 的字符串才会被解析；嵌在长文本
// 中间的花括号原样保留。map 与切片会被递归处理。
func ResolveInputs(config map[string]any, data map[string]any) (map[string]any, error) {
	if config == nil {
		return map[string]any{}, nil
	}
	resolved, err := resolveValue(config, data)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func resolveValue(value any, data map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if isPlaceholder(v) {
			return resolvePlaceholder(v, data)
		}
		return v, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			resolved, err := resolveValue(inner, data)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			resolved, err := resolveValue(inner, data)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func isPlaceholder(s string) bool {
	return strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") &&
		strings.Count(s, "{{") == 1 && strings.Count(s, "}}") == 1
}

func resolvePlaceholder(placeholder string, data map[string]any) (any, error) {
	path := strings.TrimSpace(placeholder[2 : len(placeholder)-2])
	if path == "" {
		return nil, xerrors.New(CodeResolutionFailure,
			fmt.Sprintf("占位符路径为空: %s", placeholder))
	}

	segments, err := splitPath(path)
	if err != nil {
		return nil, xerrors.New(CodeResolutionFailure,
			fmt.Sprintf("占位符路径 %q 非法 (%s): %v", path, placeholder, err))
	}

	var current any = data
	for _, segment := range segments {
		next, err := step(current, segment)
		if err != nil {
			return nil, xerrors.New(CodeResolutionFailure,
				fmt.Sprintf("路径 %q 在 %q 处无法解析 (占位符 %s)", path, segment.text, placeholder))
		}
		current = next
	}
	return current, nil
}

// pathSegment 是路径中的一步：键名或数组下标。
type pathSegment struct {
	text  string
	key   string
	index int
	isIdx bool
}

// splitPath 把 "a.b[0].c" 切成 [a b [0] c] 这样的步骤序列。
func splitPath(path string) ([]pathSegment, error) {
	segments := make([]pathSegment, 0, 8)
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, fmt.Errorf("路径中存在空段")
		}
		rest := part
		for {
			open := strings.IndexByte(rest, '[')
			if open == -1 {
				if rest != "" {
					segments = append(segments, pathSegment{text: rest, key: rest})
				}
				break
			}
			if open > 0 {
				key := rest[:open]
				segments = append(segments, pathSegment{text: key, key: key})
			}
			closeIdx := strings.IndexByte(rest, ']')
			if closeIdx < open {
				return nil, fmt.Errorf("方括号不匹配: %s", part)
			}
			idxText := rest[open+1 : closeIdx]
			idx, err := strconv.Atoi(idxText)
			if err != nil {
				return nil, fmt.Errorf("下标 %q 不是整数", idxText)
			}
			segments = append(segments, pathSegment{text: "[" + idxText + "]", index: idx, isIdx: true})
			rest = rest[closeIdx+1:]
		}
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("路径为空")
	}
	return segments, nil
}

func step(current any, segment pathSegment) (any, error) {
	if segment.isIdx {
		list, ok := current.([]any)
		if !ok {
			return nil, fmt.Errorf("不是数组")
		}
		if segment.index < 0 || segment.index >= len(list) {
			return nil, fmt.Errorf("下标越界")
		}
		return list[segment.index], nil
	}
	m, ok := current.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("不是对象")
	}
	value, ok := m[segment.key]
	if !ok {
		return nil, fmt.Errorf("键不存在")
	}
	return value, nil
}
