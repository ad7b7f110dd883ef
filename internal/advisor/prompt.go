package advisor

import (
	"fmt"
	"strings"

	"github.com/capitalize-ai/negotiation-room/internal/llm"
	"github.com/capitalize-ai/negotiation-room/internal/model"
	"github.com/capitalize-ai/negotiation-room/internal/negotiation"
)

const mediatorPrompt = `You are a neutral mediator in a contract negotiation between a client and a freelancer.
The parties are negotiating the section %q. Summarize where the parties stand, point out open
questions and propose a fair compromise. Only discuss this section. Answer in at most 150 words.`

const lawyerPrompt = `You are the private legal adviser of the %s in a contract negotiation.
The parties are negotiating the section %q. Your client is the only one who reads your answers.
Protect your client's interests, flag risky terms and suggest concrete wording. Only discuss this
section. Answer in at most 150 words.`

// SystemPrompt returns the instructions for role on sectionTitle.
func SystemPrompt(role model.AIRole, sectionTitle string) string {
	if role.IsLawyer() {
		return fmt.Sprintf(lawyerPrompt, role.Client(), sectionTitle)
	}
	return fmt.Sprintf(mediatorPrompt, sectionTitle)
}

func speaker(author string) string {
	switch author {
	case model.AuthorSystem:
		return "Section brief"
	case string(model.RoleClient):
		return "Client"
	case string(model.RoleFreelancer):
		return "Freelancer"
	case string(model.AIMediator):
		return "Mediator"
	case string(model.AILawyerClient):
		return "Client's adviser"
	case string(model.AILawyerFreelance):
		return "Freelancer's adviser"
	}
	return author
}

// BuildRequest turns an advice request into a provider request. The role's
// own turns become assistant messages; everything else is attributed user
// input. Consecutive messages of the same role are merged so providers that
// require alternation accept the history.
func BuildRequest(req negotiation.AdviceRequest, modelName string, maxTokens int) *llm.CompletionRequest {
	var msgs []llm.ChatMessage
	push := func(role, content string) {
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content += "\n\n" + content
			return
		}
		msgs = append(msgs, llm.ChatMessage{Role: role, Content: content})
	}

	for _, turn := range req.History {
		if turn.Author == string(req.Role) {
			push(llm.RoleAssistant, turn.Content)
			continue
		}
		push(llm.RoleUser, speaker(turn.Author)+": "+turn.Content)
	}

	if len(msgs) == 0 || msgs[0].Role != llm.RoleUser {
		msgs = append([]llm.ChatMessage{{Role: llm.RoleUser, Content: "The negotiation of this section has started."}}, msgs...)
	}
	if msgs[len(msgs)-1].Role != llm.RoleUser {
		push(llm.RoleUser, "Please continue.")
	}

	return &llm.CompletionRequest{
		Model:     modelName,
		System:    SystemPrompt(req.Role, req.SectionTitle),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
