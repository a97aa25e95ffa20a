// Package checkpoint 识别模型权重文件中 state dict 的 key 命名约定，
// 用于排查加载权重时的前缀不匹配问题。
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Source 表示权重映射是从 checkpoint 的哪个位置取出的。
type Source string

const (
	SourceModelStateDict Source = "model_state_dict"
	SourceStateDict      Source = "state_dict"
	SourceWhole          Source = "whole"
)

// Convention 是检测到的 key 命名约定，取值为封闭集合。
type Convention string

const (
	Plain           Convention = "plain"
	ParallelWrapped Convention = "parallel-wrapped"
	ModelWrapped    Convention = "model-wrapped"
	BackboneWrapped Convention = "backbone-wrapped"
	Unknown         Convention = "unknown"
)

// ErrNotMapping 表示 checkpoint 顶层或其 state dict 不是一个映射。
var ErrNotMapping = errors.New("checkpoint is not a mapping")

var wrappers = []struct {
	prefix     string
	convention Convention
}{
	{"module.", ParallelWrapped},
	{"model.", ModelWrapped},
	{"backbone.", BackboneWrapped},
}

// Unwrap 依次查找 model_state_dict、state_dict，找不到时把整个映射视为 state dict。
func Unwrap(m map[string]any) (map[string]any, Source) {
	for _, src := range []Source{SourceModelStateDict, SourceStateDict} {
		if inner, ok := m[string(src)].(map[string]any); ok {
			return inner, src
		}
	}
	return m, SourceWhole
}

// Classify 判断 state dict 的命名约定。只有全部 key 共享同一个包装前缀时才报告对应的包装约定；
// 空映射或前缀混杂时返回 Unknown。
func Classify(m map[string]any) Convention {
	if len(m) == 0 {
		return Unknown
	}
	found := make(map[Convention]int)
	for k := range m {
		found[conventionOf(k)]++
	}
	if len(found) != 1 {
		return Unknown
	}
	for c := range found {
		return c
	}
	return Unknown
}

func conventionOf(key string) Convention {
	for _, w := range wrappers {
		if strings.HasPrefix(key, w.prefix) {
			return w.convention
		}
	}
	return Plain
}

// Inspection 是对一个 JSON 形式的 checkpoint key 列表的检查结果。
type Inspection struct {
	TopLevelKeys []string   `json:"topLevelKeys"`
	Source       Source     `json:"source"`
	KeyCount     int        `json:"keyCount"`
	Sample       []string   `json:"sample"`
	Convention   Convention `json:"convention"`
}

// Inspect 读取一个 JSON 对象（checkpoint 的顶层映射，值可以是嵌套对象），
// 用 Unwrap 选出 state dict、用 Classify 判断约定，并按文件中的顺序给出前 n 个 key。
func Inspect(r io.Reader, n int) (*Inspection, error) {
	top, err := orderedObject(json.NewDecoder(r))
	if err != nil {
		return nil, err
	}

	m := make(map[string]any, len(top))
	ins := &Inspection{TopLevelKeys: make([]string, 0, len(top))}
	for _, f := range top {
		ins.TopLevelKeys = append(ins.TopLevelKeys, f.key)
		var v any
		if err := json.Unmarshal(f.raw, &v); err != nil {
			return nil, fmt.Errorf("read value of %q: %w", f.key, err)
		}
		m[f.key] = v
	}

	inner, src := Unwrap(m)
	ordered := top
	if src != SourceWhole {
		raw, _ := lookup(top, string(src))
		if ordered, err = orderedObject(json.NewDecoder(bytes.NewReader(raw))); err != nil {
			return nil, err
		}
	}

	ins.Source = src
	ins.KeyCount = len(inner)
	ins.Convention = Classify(inner)
	ins.Sample = make([]string, 0, len(ordered))
	for _, f := range ordered {
		if n >= 0 && len(ins.Sample) == n {
			break
		}
		ins.Sample = append(ins.Sample, f.key)
	}
	return ins, nil
}

type field struct {
	key string
	raw json.RawMessage
}

// lookup 与 json.Unmarshal 一致，重复的 key 以最后一次出现为准。
func lookup(fields []field, key string) (json.RawMessage, bool) {
	for i := len(fields) - 1; i >= 0; i-- {
		if fields[i].key == key {
			return fields[i].raw, true
		}
	}
	return nil, false
}

// orderedObject 逐 token 读取一个 JSON 对象，保留 key 的原始顺序。
func orderedObject(dec *json.Decoder) ([]field, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, ErrNotMapping
	}

	var fields []field
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read checkpoint key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("read checkpoint key: unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("read value of %q: %w", key, err)
		}
		fields = append(fields, field{key: key, raw: raw})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return fields, nil
}
