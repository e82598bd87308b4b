package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"todo-chat-agent/handler"
	"todo-chat-agent/internal/agent"
	"todo-chat-agent/internal/auth"
	"todo-chat-agent/internal/contextwindow"
	"todo-chat-agent/internal/fsm"
	"todo-chat-agent/internal/integrations/anthropic"
	"todo-chat-agent/internal/integrations/openai"
	"todo-chat-agent/internal/integrations/paramstore"
	"todo-chat-agent/internal/repository"
	"todo-chat-agent/internal/tools"
	"todo-chat-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.logLevel)
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		fatal("failed to create SSM client", err)
	}
	dynamoClient := awsdynamodb.NewFromConfig(awsCfg)
	stateClient, err := repository.New(dynamoClient, cfg.stateTable, cfg.ownerIndex)
	if err != nil {
		fatal("failed to create state client", err)
	}
	taskClient, err := repository.NewTaskClient(dynamoClient, cfg.tasksTable, cfg.ownerIndex)
	if err != nil {
		fatal("failed to create task client", err)
	}
	provider, err := newProvider(cfg, params)
	if err != nil {
		fatal("failed to create model provider", err)
	}

	// ---- Core ----
	machine, err := fsm.New(stateClient)
	if err != nil {
		fatal("failed to create fsm", err)
	}
	bridge, err := tools.NewBridge(taskClient, logger)
	if err != nil {
		fatal("failed to create tool bridge", err)
	}
	window := contextwindow.New(cfg.maxContextMessages, logger)
	invoker, err := agent.NewInvoker(provider, params, cfg.paramPrefix, window,
		agent.WithTimeout(cfg.modelTimeout),
		agent.WithTools(tools.Catalog()),
		agent.WithLogger(logger),
	)
	if err != nil {
		fatal("failed to create agent invoker", err)
	}
	chat, err := usecase.NewChatService(stateClient, machine, invoker, bridge,
		usecase.WithMaxMessageLength(cfg.maxMessageLength),
		usecase.WithHistoryLimit(window.MaxMessages()),
		usecase.WithTurnTimeout(cfg.turnTimeout),
		usecase.WithLogger(logger),
	)
	if err != nil {
		fatal("failed to create chat service", err)
	}

	// ---- Handler ----
	verifier, err := auth.NewVerifier(params, cfg.paramPrefix+"/jwt_secret")
	if err != nil {
		fatal("failed to create token verifier", err)
	}
	h, err := handler.NewHandler(chat, verifier, handler.WithLogger(logger))
	if err != nil {
		fatal("failed to create handler", err)
	}

	logger.Info("starting", "model_provider", cfg.modelProvider, "max_context_messages", window.MaxMessages())
	lambda.Start(h.Handle)
}

func newProvider(cfg config, params *paramstore.Client) (agent.Provider, error) {
	switch cfg.modelProvider {
	case providerOpenAI:
		var opts []openai.SDKOption
		if cfg.modelBaseURL != "" {
			opts = append(opts, openai.WithSDKBaseURL(cfg.modelBaseURL))
		}
		return openai.NewSDKClient(params, cfg.paramPrefix, opts...)
	case providerOpenAICompatible:
		return openai.NewClient(params, cfg.paramPrefix, openai.WithBaseURL(cfg.modelBaseURL))
	case providerAnthropic:
		var opts []anthropic.Option
		if cfg.modelBaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.modelBaseURL))
		}
		return anthropic.NewClient(params, cfg.paramPrefix, opts...)
	}
	return nil, fmt.Errorf("unknown model provider %q", cfg.modelProvider)
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
