package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 根据用户最新一条消息检索可放入系统提示词的参考资料。
type Provider interface {
	Query(prompt string) []Snippet
}

// Snippet 描述可供大模型引用的一段知识，例如常用合约地址或协议说明。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
}

// StaticProvider 通过加载本地文件提供静态知识检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{items: items, maxResults: maxResults}
}

// LoadStaticProvider 从 JSON 或 YAML 文件加载知识条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("knowledge file path is empty")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}

	var entries []Snippet
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &entries)
	default:
		err = json.Unmarshal(content, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("parse knowledge file %s: %w", path, err)
	}
	return NewStaticProvider(entries, maxResults), nil
}

// Query 返回关键字出现在 prompt 中的条目。没有关键字的条目总是返回。
func (p *StaticProvider) Query(prompt string) []Snippet {
	if p == nil {
		return nil
	}
	prompt = strings.ToLower(strings.TrimSpace(prompt))

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if matches(item, prompt) {
			results = append(results, item)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

func matches(snippet Snippet, prompt string) bool {
	if len(snippet.Keywords) == 0 {
		return true
	}
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized != "" && strings.Contains(prompt, normalized) {
			return true
		}
	}
	return false
}

var _ Provider = (*StaticProvider)(nil)
