package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/cyberq/chatbot/backend/internal/config"
	"github.com/cyberq/chatbot/backend/internal/model/chat"
)

// ArkCompleter answers prompts through an eino chain ending in an Ark chat model.
type ArkCompleter struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewArkCompleter 根据配置创建 Ark 模型并编译调用链。
func NewArkCompleter(ctx context.Context, cfg config.AIConfig) (*ArkCompleter, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %v: %w", err, chat.ErrNotConfigured)
	}
	return newArkCompleter(ctx, chatModel)
}

func newArkCompleter(ctx context.Context, chatModel model.BaseChatModel) (*ArkCompleter, error) {
	template := prompt.FromMessages(
		schema.FString,
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}
	return &ArkCompleter{chain: runnable}, nil
}

// Complete runs the chain with prompt as the only user turn.
func (a *ArkCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	response, err := a.chain.Invoke(ctx, map[string]any{"query": prompt})
	if err != nil {
		if credentialError(err) {
			return "", fmt.Errorf("failed to run chat chain: %v: %w", err, chat.ErrNotConfigured)
		}
		return "", fmt.Errorf("failed to run chat chain: %w", err)
	}

	log.Debug().Str("component", "ai").Int("length", len(response.Content)).Msg("ark reply generated")
	return response.Content, nil
}
