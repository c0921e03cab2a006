// Package router selects how a chat message is displayed. It reads message
// content and transaction state and never writes either.
package router

import (
	"encoding/json"
	"strings"

	"ChainChat/pkg/envelope"
	"ChainChat/pkg/txflow"
)

// Tool names with a dedicated view.
const (
	ToolConnectWallet = envelope.ToolConnectWallet
	ToolHashtags      = "get_hashtags"
	ToolImage         = "generate_image"
	ToolOwnedNFTs     = "get_owned_nfts"
)

// Kind identifies the branch chosen for a message.
type Kind string

const (
	KindText          Kind = "text"
	KindTransaction   Kind = "transaction"
	KindHashtags      Kind = "hashtags"
	KindImage         Kind = "image"
	KindNFTs          Kind = "nfts"
	KindConnectWallet Kind = "connect_wallet"
	KindToolError     Kind = "tool_error"
	KindStructured    Kind = "structured"
)

// NFT is one entry of an owned-NFT listing.
type NFT struct {
	TokenID   string `json:"token_id"`
	TokenURI  string `json:"token_uri"`
	TokenName string `json:"token_name"`
}

// Image is a generated image reference.
type Image struct {
	URL    string `json:"url"`
	Prompt string `json:"prompt"`
}

// Transaction is the view of a message carrying inputdata.
type Transaction struct {
	Phase  txflow.Phase
	Code   txflow.Code
	Hash   string
	Error  string
	Detail string
}

// View is the display model for one message.
type View struct {
	Kind        Kind
	Tool        string
	Text        string
	Hashtags    []string
	Image       *Image
	NFTs        []NFT
	Transaction *Transaction
	Value       any
}

// Content is the result of decoding a message: either Parsed or PlainText.
type Content interface {
	content()
}

// Parsed is content that decoded into an envelope.
type Parsed struct {
	Envelope envelope.Envelope
	Raw      []byte
}

// PlainText is content that is not an envelope.
type PlainText struct {
	Text string
}

func (Parsed) content()    {}
func (PlainText) content() {}

// Decode parses message content. Anything that is not an envelope is PlainText.
func Decode(text string) Content {
	env, err := envelope.Parse(text)
	if err != nil {
		return PlainText{Text: text}
	}
	return Parsed{Envelope: env, Raw: []byte(text)}
}

// Render picks the view for msg given its transaction state.
func Render(msg txflow.Snapshot, state txflow.State) View {
	if msg.Role != envelope.RoleAssistant {
		return View{Kind: KindText, Text: msg.Content}
	}

	parsed, ok := Decode(msg.Content).(Parsed)
	if !ok {
		return View{Kind: KindText, Text: msg.Content}
	}
	env := parsed.Envelope

	if _, found := envelope.Extract(parsed.Raw); found {
		return View{Kind: KindTransaction, Tool: env.Tool, Transaction: transactionView(env, state)}
	}

	if env.IsPlain() {
		return View{Kind: KindText, Text: env.ResponseText()}
	}
	if msg, failed := toolFailure(env.Response); failed {
		return View{Kind: KindToolError, Tool: env.Tool, Text: msg}
	}

	switch env.Tool {
	case ToolConnectWallet:
		return View{Kind: KindConnectWallet, Tool: env.Tool, Text: env.ResponseText()}
	case ToolHashtags:
		if tags, ok := decodeHashtags(env.Response); ok {
			return View{Kind: KindHashtags, Tool: env.Tool, Hashtags: tags}
		}
	case ToolImage:
		var img Image
		if json.Unmarshal(env.Response, &img) == nil && img.URL != "" {
			return View{Kind: KindImage, Tool: env.Tool, Image: &img}
		}
	case ToolOwnedNFTs:
		if nfts, ok := decodeNFTs(env.Response); ok {
			return View{Kind: KindNFTs, Tool: env.Tool, NFTs: nfts}
		}
	}
	return fallback(env)
}

func transactionView(env envelope.Envelope, state txflow.State) *Transaction {
	tx := &Transaction{
		Phase: state.Phase(),
		Code:  state.Code,
		Hash:  state.TransactionHash,
		Error: state.Error,
	}
	var body struct {
		Token struct {
			Name string `json:"name"`
		} `json:"token"`
		Message string `json:"message"`
	}
	if json.Unmarshal(env.Response, &body) == nil {
		tx.Detail = strings.TrimSpace(body.Message)
		if tx.Detail == "" && body.Token.Name != "" {
			tx.Detail = "token " + body.Token.Name
		}
	}
	return tx
}

// fallback makes one attempt to parse the nested content as JSON before
// settling for literal text.
func fallback(env envelope.Envelope) View {
	text := env.ResponseText()
	var value any
	if err := json.Unmarshal([]byte(text), &value); err == nil {
		switch value.(type) {
		case map[string]any, []any:
			return View{Kind: KindStructured, Tool: env.Tool, Value: value, Text: text}
		}
	}
	return View{Kind: KindText, Tool: env.Tool, Text: text}
}

func toolFailure(raw json.RawMessage) (string, bool) {
	var body struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) != nil || body.Status != envelope.StatusError {
		return "", false
	}
	if body.Message == "" {
		body.Message = "tool failed"
	}
	return body.Message, true
}

func decodeHashtags(raw json.RawMessage) ([]string, bool) {
	var tags []string
	if json.Unmarshal(raw, &tags) == nil && len(tags) > 0 {
		return tags, true
	}
	var wrapped struct {
		Hashtags []string `json:"hashtags"`
	}
	if json.Unmarshal(raw, &wrapped) == nil && len(wrapped.Hashtags) > 0 {
		return wrapped.Hashtags, true
	}
	return nil, false
}

func decodeNFTs(raw json.RawMessage) ([]NFT, bool) {
	var nfts []NFT
	if json.Unmarshal(raw, &nfts) == nil {
		return nfts, true
	}
	var wrapped struct {
		NFTs []NFT `json:"nfts"`
	}
	if json.Unmarshal(raw, &wrapped) == nil && wrapped.NFTs != nil {
		return wrapped.NFTs, true
	}
	return nil, false
}
