package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/llm"
)

const ownedNFTsQuery = `query OwnedNFTs($owner: String!, $collection: String) {
  token_ownerships(where: {owner_address: {_eq: $owner}, collection_address: {_eq: $collection}}) {
    token_data { token_id token_uri token_name }
  }
}`

type ownedNFTsTool struct{ rt *Runtime }

type ownedNFTsArgs struct {
	Owner      string `json:"owner"`
	Collection string `json:"collection"`
}

type ownedNFT struct {
	TokenID   string `json:"token_id"`
	TokenURI  string `json:"token_uri"`
	TokenName string `json:"token_name"`
}

func (ownedNFTsTool) Name() Name { return GetOwnedNFTs }
func (ownedNFTsTool) Description() string {
	return "List the NFTs owned by the user in the configured collection."
}
func (ownedNFTsTool) Parameters() map[string]any {
	return object(nil, map[string]any{
		"owner":      str("Owner address; leave empty for the user's wallet."),
		"collection": str("Collection address; leave empty for the configured collection."),
	})
}

func (t ownedNFTsTool) Execute(ctx context.Context, raw json.RawMessage) (any, error) {
	var args ownedNFTsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if t.rt.Settings.NFTIndexerURL == "" {
		return nil, xerrors.New(xerrors.CodeToolExecution, "nft indexer is not configured")
	}
	owner, err := resolveAddress(args.Owner, t.rt.User)
	if err != nil {
		return nil, err
	}
	collection := strings.TrimSpace(args.Collection)
	if collection == "" {
		collection = t.rt.Settings.NFTCollection
	}

	body, err := json.Marshal(map[string]any{
		"operationName": "OwnedNFTs",
		"query":         ownedNFTsQuery,
		"variables":     map[string]string{"owner": strings.ToLower(owner.Hex()), "collection": strings.ToLower(collection)},
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolExecution, err, "encode indexer query")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.rt.Settings.NFTIndexerURL, bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolExecution, err, "build indexer request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.rt.httpClient().Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolExecution, err, "nft indexer unreachable")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolExecution, err, "read indexer response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.CodeToolExecution, fmt.Sprintf("nft indexer returned %s", resp.Status))
	}
	if !gjson.ValidBytes(payload) {
		return nil, xerrors.New(xerrors.CodeToolExecution, "nft indexer returned invalid JSON")
	}
	if msg := gjson.GetBytes(payload, "errors.0.message"); msg.Exists() {
		return nil, xerrors.New(xerrors.CodeToolExecution, "nft indexer: "+msg.String())
	}

	nfts := make([]ownedNFT, 0)
	gjson.GetBytes(payload, "data.token_ownerships.#.token_data").ForEach(func(_, item gjson.Result) bool {
		nfts = append(nfts, ownedNFT{
			TokenID:   item.Get("token_id").String(),
			TokenURI:  item.Get("token_uri").String(),
			TokenName: item.Get("token_name").String(),
		})
		return true
	})
	return nfts, nil
}

type hashtagsTool struct{ rt *Runtime }

type hashtagsArgs struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

const (
	defaultHashtagCount = 5
	maxHashtagCount     = 15
)

var hashtagPattern = regexp.MustCompile(`#[\p{L}\p{N}_]+`)

func (hashtagsTool) Name() Name { return GetHashtags }
func (hashtagsTool) Description() string {
	return "Suggest hashtags for a piece of text. Always use this tool when the user asks for hashtags."
}
func (hashtagsTool) Parameters() map[string]any {
	return object([]string{"text"}, map[string]any{
		"text":  str("Text or topic to tag."),
		"count": map[string]any{"type": "integer", "description": "Number of hashtags, default 5."},
	})
}

func (t hashtagsTool) Execute(ctx context.Context, raw json.RawMessage) (any, error) {
	var args hashtagsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := required("text", args.Text); err != nil {
		return nil, err
	}
	if t.rt.Model == nil {
		return nil, xerrors.New(xerrors.CodeToolExecution, "language model is not configured")
	}
	count := args.Count
	if count <= 0 {
		count = defaultHashtagCount
	}
	if count > maxHashtagCount {
		count = maxHashtagCount
	}

	temperature := 0.7
	decision, err := t.rt.Model.Decide(ctx, llm.Request{
		System: fmt.Sprintf("You generate social media hashtags. Reply with a JSON array of exactly %d strings, each starting with #, and nothing else.", count),
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: args.Text},
		},
		Temperature: &temperature,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolExecution, err, "hashtag generation failed")
	}
	tags := parseHashtags(decision.Content, count)
	if len(tags) == 0 {
		return nil, xerrors.New(xerrors.CodeToolExecution, "model returned no hashtags")
	}
	return tags, nil
}

// parseHashtags 优先按 JSON 数组解析，失败时从自由文本中提取单词。
func parseHashtags(content string, limit int) []string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimSuffix(strings.TrimPrefix(content, "```"), "```")

	var candidates []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &candidates); err != nil {
		candidates = hashtagPattern.FindAllString(content, -1)
	}

	seen := make(map[string]struct{}, len(candidates))
	tags := make([]string, 0, limit)
	for _, c := range candidates {
		tag := strings.Join(strings.Fields(strings.TrimPrefix(strings.TrimSpace(c), "#")), "")
		if tag == "" {
			continue
		}
		tag = "#" + tag
		key := strings.ToLower(tag)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		tags = append(tags, tag)
		if len(tags) == limit {
			break
		}
	}
	return tags
}

type imageTool struct{ rt *Runtime }

type imageArgs struct {
	Prompt string `json:"prompt"`
}

func (imageTool) Name() Name { return GenerateImage }
func (imageTool) Description() string {
	return "Generate an image from a text prompt and return its URL."
}
func (imageTool) Parameters() map[string]any {
	return object([]string{"prompt"}, map[string]any{
		"prompt": str("Description of the image."),
	})
}

func (t imageTool) Execute(ctx context.Context, raw json.RawMessage) (any, error) {
	var args imageArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := required("prompt", args.Prompt); err != nil {
		return nil, err
	}
	if t.rt.Images == nil {
		return nil, xerrors.New(xerrors.CodeToolExecution, "image generation is not configured")
	}
	url, err := t.rt.Images.GenerateImage(ctx, args.Prompt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolExecution, err, "image generation failed")
	}
	return map[string]string{"url": url, "prompt": args.Prompt}, nil
}
