package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pendo-health/counselling-platform/internal/llm"
	"github.com/pendo-health/counselling-platform/internal/model"
	"github.com/pendo-health/counselling-platform/pkg/logger"
	"github.com/pendo-health/counselling-platform/pkg/metrics"
)

// escalationMarker is the exact token the companion emits when a human
// counsellor must take over. It is stripped from the reply shown to the
// student; detection drives a high-risk escalation.
const escalationMarker = "[[ESCALATE_TO_HUMAN]]"

const companionSystem = `You are Pendo, a compassionate mental health companion for high school students.
Use supportive, non-judgmental language. Be brief but warm.
If a user mentions self-harm or suicide, you MUST output the exact code ` + escalationMarker + ` and encourage them to speak to a counsellor.`

// companionSender identifies companion messages in the log.
const companionSender = "companion"

// companionHistoryLimit caps how many of the newest messages feed the
// prompt. The window must end at the latest message: the reply, and any
// escalation it carries, has to be about what the student just said.
const companionHistoryLimit = 50

// CompanionService drives the AI triage companion. The LLM is an external
// collaborator; its reply is appended to the log like any other message,
// and the escalation marker feeds the queue's risk ordering.
type CompanionService struct {
	client       llm.Client
	conversation *ConversationService
	queue        *QueueService
	logger       *logger.Logger
	model        string
}

// NewCompanionService creates a new companion service. A nil client
// disables companion replies.
func NewCompanionService(client llm.Client, conv *ConversationService, queue *QueueService, log *logger.Logger, modelName string) *CompanionService {
	return &CompanionService{
		client:       client,
		conversation: conv,
		queue:        queue,
		logger:       log,
		model:        modelName,
	}
}

// Enabled reports whether a companion provider is configured.
func (s *CompanionService) Enabled() bool {
	return s != nil && s.client != nil
}

// Respond generates a companion reply from the conversation history,
// appends it to the log, and escalates when the reply carries the
// escalation marker. Returns the appended reply and whether it escalated.
func (s *CompanionService) Respond(ctx context.Context, conversationID string) (*model.Message, bool, error) {
	history, err := s.conversation.store.LatestMessages(ctx, conversationID, companionHistoryLimit)
	if err != nil {
		return nil, false, err
	}

	chat := make([]llm.ChatMessage, 0, len(history))
	for _, msg := range history {
		switch {
		case msg.Role == model.RoleStudent:
			chat = append(chat, llm.ChatMessage{Role: "user", Content: msg.Text})
		case msg.Role == model.RoleSystem && msg.SenderID == companionSender:
			chat = append(chat, llm.ChatMessage{Role: "assistant", Content: msg.Text})
		}
	}
	if len(chat) == 0 {
		return nil, false, nil
	}

	start := time.Now()
	resp, err := s.client.Complete(ctx, &llm.CompletionRequest{
		Model:     s.model,
		System:    companionSystem,
		Messages:  chat,
		MaxTokens: 512,
	})
	if err != nil {
		metrics.CompanionDuration.WithLabelValues(s.client.Name(), "error").Observe(time.Since(start).Seconds())
		return nil, false, err
	}
	metrics.CompanionDuration.WithLabelValues(s.client.Name(), "success").Observe(time.Since(start).Seconds())

	reply := resp.Content
	escalate := strings.Contains(reply, escalationMarker)
	if escalate {
		reply = strings.TrimSpace(strings.ReplaceAll(reply, escalationMarker, ""))
	}

	msg, err := s.conversation.Append(ctx, conversationID, model.RoleSystem, companionSender, reply)
	if err != nil {
		return nil, false, err
	}

	if escalate {
		s.logger.Warn("companion flagged conversation for human intervention",
			zap.String("conversation_id", conversationID),
		)
		if _, err := s.queue.Escalate(ctx, conversationID, model.RiskHigh); err != nil {
			s.logger.Error("failed to escalate flagged conversation",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
	}

	return msg, escalate, nil
}
