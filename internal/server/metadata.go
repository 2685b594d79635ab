package server

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mcules/modelctl/internal/state"
	"github.com/mcules/modelctl/internal/triton"
)

// modelMetadata derives v2 model metadata from a loaded configuration.
// Tensors come from the "input" and "output" lists; with batching enabled
// a leading -1 batch dimension is added.
func modelMetadata(e state.ModelEntry, cfg map[string]any) triton.ModelMetadata {
	md := triton.ModelMetadata{
		Name:     e.Name,
		Platform: stringValue(cfg, "platform"),
		Inputs:   []triton.TensorMetadata{},
		Outputs:  []triton.TensorMetadata{},
	}
	if md.Platform == "" {
		md.Platform = stringValue(cfg, "backend")
	}
	if e.Version != "" {
		md.Versions = []string{e.Version}
	}

	batched := intValue(cfg["max_batch_size"]) > 0
	md.Inputs = append(md.Inputs, tensors(cfg["input"], batched)...)
	md.Outputs = append(md.Outputs, tensors(cfg["output"], batched)...)
	return md
}

func tensors(v any, batched bool) []triton.TensorMetadata {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]triton.TensorMetadata, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		t := triton.TensorMetadata{
			Name:     stringValue(m, "name"),
			Datatype: strings.TrimPrefix(stringValue(m, "data_type"), "TYPE_"),
			Shape:    []int64{},
		}
		if batched {
			t.Shape = append(t.Shape, -1)
		}
		if dims, ok := m["dims"].([]any); ok {
			for _, d := range dims {
				t.Shape = append(t.Shape, intValue(d))
			}
		}
		out = append(out, t)
	}
	return out
}

func stringValue(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func intValue(v any) int64 {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int64:
		return x
	case float64:
		return int64(x)
	case json.Number:
		n, _ := x.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	}
	return 0
}
