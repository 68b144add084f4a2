// Package session provides session management functionality.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentrelay/controlplane/internal/permission"
	"github.com/agentrelay/controlplane/internal/provider"
	"github.com/agentrelay/controlplane/internal/storage"
	"github.com/agentrelay/controlplane/internal/tool"
	"github.com/agentrelay/controlplane/pkg/types"
)

// Service persists Session/Message/Part records and drives the agentic loop
// for one turn at a time. Sessions are partitioned on disk by workspace id,
// mirroring the teacher's per-project partitioning.
type Service struct {
	storage *storage.Storage

	mu       sync.RWMutex
	active   map[string]*ActiveSession
	abortChs map[string]chan struct{}

	processor *Processor
}

// ActiveSession tracks an active processing session.
type ActiveSession struct {
	SessionID string
	AbortCh   chan struct{}
	StartTime time.Time
}

// NewService creates a new session service.
func NewService(store *storage.Storage) *Service {
	return &Service{
		storage:  store,
		active:   make(map[string]*ActiveSession),
		abortChs: make(map[string]chan struct{}),
	}
}

// NewServiceWithProcessor creates a new session service with processor dependencies.
func NewServiceWithProcessor(
	store *storage.Storage,
	providerReg *provider.Registry,
	toolReg *tool.Registry,
	permChecker *permission.Checker,
	defaultProviderID string,
	defaultModelID string,
) *Service {
	s := &Service{
		storage:  store,
		active:   make(map[string]*ActiveSession),
		abortChs: make(map[string]chan struct{}),
	}
	s.processor = NewProcessor(providerReg, toolReg, store, permChecker, defaultProviderID, defaultModelID)
	return s
}

// GetProcessor returns the session processor.
func (s *Service) GetProcessor() *Processor {
	return s.processor
}

func sessionPath(workspaceID, sessionID string) []string {
	return []string{"session", workspaceID, sessionID}
}

// Create creates a new session bound to workspaceID.
func (s *Service) Create(ctx context.Context, workspaceID string, name string) (*types.Session, error) {
	now := time.Now().UnixMilli()

	session := &types.Session{
		ID:           generateID(),
		WorkspaceID:  workspaceID,
		Status:       types.StatusInitializing,
		Created:      now,
		LastActivity: now,
		Name:         name,
	}

	if err := s.storage.Put(ctx, sessionPath(workspaceID, session.ID), session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// Get retrieves a session by ID, searching every workspace partition.
func (s *Service) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	workspaces, err := s.storage.List(ctx, []string{"session"})
	if err != nil {
		return nil, err
	}

	for _, workspaceID := range workspaces {
		var session types.Session
		if err := s.storage.Get(ctx, sessionPath(workspaceID, sessionID), &session); err == nil {
			return &session, nil
		}
	}

	return nil, storage.ErrNotFound
}

// Put persists the given session record as-is. Used by the manager after it
// mutates fields owned by the translation loop (status, tokens, cost, ...).
func (s *Service) Put(ctx context.Context, session *types.Session) error {
	return s.storage.Put(ctx, sessionPath(session.WorkspaceID, session.ID), session)
}

// Update applies a rename to a session.
func (s *Service) Update(ctx context.Context, sessionID string, updates map[string]any) (*types.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if name, ok := updates["name"].(string); ok {
		session.Name = name
	}

	session.LastActivity = time.Now().UnixMilli()

	if err := s.Put(ctx, session); err != nil {
		return nil, err
	}

	return session, nil
}

// Delete deletes a session and its messages.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := s.storage.Delete(ctx, sessionPath(session.WorkspaceID, sessionID)); err != nil {
		return err
	}

	messages, _ := s.GetMessages(ctx, sessionID)
	for _, msg := range messages {
		s.storage.Delete(ctx, []string{"message", sessionID, msg.ID})
	}

	return nil
}

// List lists sessions for a workspace. If workspaceID is empty, lists every
// session across every workspace.
func (s *Service) List(ctx context.Context, workspaceID string) ([]*types.Session, error) {
	var sessions []*types.Session

	if workspaceID == "" {
		workspaces, err := s.storage.List(ctx, []string{"session"})
		if err != nil {
			return nil, err
		}

		for _, wid := range workspaces {
			err := s.storage.Scan(ctx, []string{"session", wid}, func(key string, data json.RawMessage) error {
				var session types.Session
				if err := json.Unmarshal(data, &session); err != nil {
					return err
				}
				sessions = append(sessions, &session)
				return nil
			})
			if err != nil {
				return nil, err
			}
		}

		return sessions, nil
	}

	err := s.storage.Scan(ctx, []string{"session", workspaceID}, func(key string, data json.RawMessage) error {
		var session types.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return err
		}
		sessions = append(sessions, &session)
		return nil
	})

	return sessions, err
}

// Abort aborts an active session's in-flight turn.
func (s *Service) Abort(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.abortChs[sessionID]; ok {
		close(ch)
		delete(s.abortChs, sessionID)
	}

	return nil
}

// GetTodos returns the current todo list tracked for a session.
func (s *Service) GetTodos(ctx context.Context, sessionID string) ([]types.TodoInfo, error) {
	return GetTodos(ctx, s.storage, sessionID)
}

// AddMessage adds a message to a session.
func (s *Service) AddMessage(ctx context.Context, sessionID string, msg *types.Message) error {
	return s.storage.Put(ctx, []string{"message", sessionID, msg.ID}, msg)
}

// GetMessages returns all messages for a session.
func (s *Service) GetMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	var messages []*types.Message
	err := s.storage.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		messages = append(messages, &msg)
		return nil
	})
	return messages, err
}

// GetParts returns all parts for a message.
func (s *Service) GetParts(ctx context.Context, messageID string) ([]types.Part, error) {
	var parts []types.Part
	err := s.storage.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}

// ProcessMessage processes a user message and generates an assistant response.
// This is the main agentic loop entry point, kept for the processor/tools
// machinery; the session manager wraps this with turn dedupe, permission
// gating, and event translation.
func (s *Service) ProcessMessage(
	ctx context.Context,
	session *types.Session,
	content string,
	model *types.ModelRef,
	onUpdate func(msg *types.Message, parts []types.Part),
) (*types.Message, []types.Part, error) {
	userMsg := &types.Message{
		ID:        generateID(),
		SessionID: session.ID,
		Role:      "user",
		Time: types.MessageTime{
			Created: time.Now().UnixMilli(),
		},
	}
	if model != nil {
		userMsg.Model = model
	}

	if err := s.AddMessage(ctx, session.ID, userMsg); err != nil {
		return nil, nil, err
	}

	userPart := &types.TextPart{
		ID:   generateID(),
		Type: "text",
		Text: content,
	}
	if err := s.storage.Put(ctx, []string{"part", userMsg.ID, userPart.ID}, userPart); err != nil {
		return nil, nil, err
	}

	if s.processor != nil {
		var finalMsg *types.Message
		var finalParts []types.Part

		err := s.processor.Process(ctx, session.ID, DefaultAgent(), func(msg *types.Message, parts []types.Part) {
			finalMsg = msg
			finalParts = parts
			if onUpdate != nil {
				onUpdate(msg, parts)
			}
		})

		if err != nil {
			return finalMsg, finalParts, err
		}

		return finalMsg, finalParts, nil
	}

	assistantMsg := &types.Message{
		ID:        generateID(),
		SessionID: session.ID,
		Role:      "assistant",
		Time: types.MessageTime{
			Created: time.Now().UnixMilli(),
		},
	}

	if model != nil {
		assistantMsg.ProviderID = model.ProviderID
		assistantMsg.ModelID = model.ModelID
	}

	parts := []types.Part{
		&types.TextPart{
			ID:   generateID(),
			Type: "text",
			Text: "Processor not initialized. Please configure providers.",
		},
	}

	if err := s.AddMessage(ctx, session.ID, assistantMsg); err != nil {
		return nil, nil, err
	}

	if onUpdate != nil {
		onUpdate(assistantMsg, parts)
	}

	return assistantMsg, parts, nil
}

// generateID generates a new ULID.
func generateID() string {
	return ulid.Make().String()
}
