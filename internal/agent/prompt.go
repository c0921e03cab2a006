package agent

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"ChainChat/internal/knowledge"
)

const humanizeInstruction = `You turn a tool result into a short answer for the user.
Use only facts present in the result. Keep numbers and addresses exactly as given.
Answer in one or two sentences, without JSON, code blocks or speculation.`

// systemPrompt 根据当前用户地址生成系统提示词。
func systemPrompt(user, agentAddr common.Address, toolNames []string, notes []knowledge.Snippet) string {
	var b strings.Builder
	b.WriteString("You are ChainChat, an assistant that helps users with on-chain tasks and content generation.\n\n")

	b.WriteString("## Addresses\n")
	fmt.Fprintf(&b, "- The user's wallet address is %s.\n", user.Hex())
	b.WriteString("- When the user says \"my wallet\", \"me\" or \"myself\", use the user's address.\n")
	b.WriteString("- If the user asks for their address, call get_wallet_address; never reveal any other address as theirs.\n")
	if agentAddr != (common.Address{}) {
		fmt.Fprintf(&b, "- %s belongs to the assistant. It is never the user's address and never a default recipient.\n", agentAddr.Hex())
	}
	b.WriteString("- Never invent addresses. Ask when a recipient is missing.\n\n")

	b.WriteString("## Tools\n")
	fmt.Fprintf(&b, "- Available tools: %s.\n", strings.Join(toolNames, ", "))
	b.WriteString("- Call at most one tool per reply.\n")
	b.WriteString("- Transfers, NFT transfers and lending calls only prepare a transaction; the user signs it in their wallet. Never claim a transaction was sent.\n")
	b.WriteString("- Whenever the user asks for hashtags, call get_hashtags. Never write hashtags yourself.\n")
	b.WriteString("- For images call generate_image with a descriptive prompt.\n")
	b.WriteString("- If no tool fits, answer directly and briefly.\n")

	if len(notes) > 0 {
		b.WriteString("\n## Reference notes\n")
		for _, note := range notes {
			fmt.Fprintf(&b, "- %s: %s\n", note.Title, strings.TrimSpace(note.Content))
		}
	}
	return b.String()
}
