package tools

import (
	"context"
	"fmt"
)

// Tool 一次性的工具调用：参数是模型给的原始 JSON 串，结果是回填给模型的文本
type Tool interface {
	Name() string
	Call(ctx context.Context, argsJSON string) (string, error)
}

// Registry 按名称查找工具
type Registry struct {
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

func (r *Registry) Call(ctx context.Context, name, argsJSON string) (string, error) {
	tool, exists := r.tools[name]
	if !exists {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return tool.Call(ctx, argsJSON)
}
