package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	xerrors "ChainChat/internal/errors"
)

// decodeArgs 解析模型给出的参数，空参数视为 {}。
func decodeArgs(raw json.RawMessage, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return xerrors.Wrap(xerrors.CodeToolInvalidInput, err, "arguments are not valid JSON for this tool")
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return xerrors.New(xerrors.CodeToolInvalidInput, fmt.Sprintf("%s is required", field))
	}
	return nil
}

// Amount 接受 JSON 数字或字符串形式的金额，保留原始十进制文本。
type Amount string

// UnmarshalJSON 实现 json.Unmarshaler。
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*a = Amount(n.String())
	return nil
}

func (a Amount) String() string { return string(a) }

func object(requiredFields []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(requiredFields) > 0 {
		schema["required"] = requiredFields
	}
	return schema
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}
