// Package handoff moves customer conversations from the assistant to human agents.
//
// Service is the only writer of session status and queue membership. It opens
// the confirmation gate when a handoff is offered, creates tickets when one is
// confirmed or requested directly, and relays chat between the user and the
// agent once both are connected.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yegors/co-desk/internal/classify"
	"github.com/yegors/co-desk/internal/id"
	"github.com/yegors/co-desk/internal/model"
	"github.com/yegors/co-desk/internal/notify"
	"github.com/yegors/co-desk/internal/pending"
	"github.com/yegors/co-desk/internal/presence"
	"github.com/yegors/co-desk/internal/queue"
	"github.com/yegors/co-desk/internal/relay"
	"github.com/yegors/co-desk/internal/session"
	"github.com/yegors/co-desk/internal/storage/sqlite"
	"github.com/yegors/co-desk/pkg/logger"
)

// Errors surfaced to callers
var (
	ErrSessionNotFound   = model.ErrSessionNotFound
	ErrInvalidTransition = model.ErrInvalidTransition
	ErrMalformedEvent    = model.ErrMalformedEvent
	ErrStoreUnavailable  = model.ErrStoreUnavailable
)

// HandoffPayload is the state kept while an offer awaits the user's answer
type HandoffPayload = pending.HandoffPayload

// Decision is the answer pipeline's verdict on whether a human is needed
type Decision string

const (
	DecisionNone   Decision = "none"
	DecisionOffer  Decision = "offer"
	DecisionDirect Decision = "direct"
)

// Request carries one answered user turn from the answer pipeline
type Request struct {
	UserID            string `json:"user_id"`
	ChatSessionID     string `json:"chat_session_id,omitempty"`
	MessageID         string `json:"message_id,omitempty"`
	OriginalQuery     string `json:"original_query"`
	RewrittenQuery    string `json:"contextualized_query"`
	DraftAnswer       string `json:"ai_response"`
	SupportingContext string `json:"context"`
	Language          string `json:"language,omitempty"`
}

func (r Request) query() string {
	if r.RewrittenQuery != "" {
		return r.RewrittenQuery
	}
	return r.OriginalQuery
}

// Reply outcomes
const (
	OutcomeNone     = "none"
	OutcomeCreated  = "handoff_created"
	OutcomeOffered  = "handoff_offered"
	OutcomeDeclined = "handoff_declined"
	OutcomeClarify  = "clarify"
)

// Reply is the text to show the user plus what happened
type Reply struct {
	Text         string `json:"text"`
	Outcome      string `json:"outcome"`
	SessionID    string `json:"session_id,omitempty"`
	TicketNumber string `json:"ticket_number,omitempty"`
	ChatURL      string `json:"chat_url,omitempty"`
}

// Transcript receives agent replies so the assistant can see them later
type Transcript interface {
	AddMessage(ctx context.Context, userID, role, content string, metadata map[string]any) error
}

// Config holds the orchestration settings
type Config struct {
	ConfirmationTTL time.Duration
	ChatURL         string
	DefaultLanguage string
}

// Deps are the components the service coordinates
type Deps struct {
	Store       *session.Store
	Queue       *queue.Queue
	Presence    *presence.Registry
	Bus         *notify.Bus
	Connections *relay.Registry
	Gate        *pending.Gate
	Transcript  Transcript              // optional
	Feedback    *sqlite.FeedbackStorage // optional
}

// Service is the handoff orchestrator
type Service struct {
	store    *session.Store
	queue    *queue.Queue
	presence *presence.Registry
	bus      *notify.Bus
	conns    *relay.Registry
	gate     *pending.Gate
	history  Transcript
	feedback *sqlite.FeedbackStorage
	cfg      Config
	logger   *logger.Logger
	now      func() time.Time
}

// NewService creates a new handoff orchestrator
func NewService(deps Deps, cfg Config, log *logger.Logger) *Service {
	if cfg.ConfirmationTTL <= 0 {
		cfg.ConfirmationTTL = pending.DefaultHandoffTTL
	}
	if cfg.ChatURL == "" {
		cfg.ChatURL = "http://localhost:8001/chat"
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = classify.LangAzerbaijani
	}
	return &Service{
		store:    deps.Store,
		queue:    deps.Queue,
		presence: deps.Presence,
		bus:      deps.Bus,
		conns:    deps.Connections,
		gate:     deps.Gate,
		history:  deps.Transcript,
		feedback: deps.Feedback,
		cfg:      cfg,
		logger:   log.Named("handoff"),
		now:      time.Now,
	}
}

// HandleDecision acts on the answer pipeline's verdict for one turn
func (s *Service) HandleDecision(ctx context.Context, d Decision, req Request) (Reply, error) {
	switch d {
	case DecisionDirect:
		return s.DirectHandoff(ctx, req)
	case DecisionOffer:
		return s.OfferHandoff(ctx, req)
	case DecisionNone, "":
		return Reply{Text: req.DraftAnswer, Outcome: OutcomeNone}, nil
	default:
		return Reply{}, fmt.Errorf("unknown handoff decision %q", d)
	}
}

// DirectHandoff creates a ticket right away for a user who asked for a human
func (s *Service) DirectHandoff(ctx context.Context, req Request) (Reply, error) {
	lang := s.language(req.Language, req.OriginalQuery)
	sessionID, err := s.openTicket(ctx, session.NewSession{
		Query:    req.query(),
		Context:  directContext(req.OriginalQuery, req.SupportingContext),
		UserID:   req.UserID,
		Language: lang,
		Metadata: map[string]any{"reason": "direct_request"},
	})
	if err != nil {
		return Reply{}, err
	}

	s.logger.Info("Direct handoff",
		logger.String("user_id", req.UserID),
		logger.String("session_id", sessionID))

	return s.ticketReply(s.phrasesFor(lang).directAccept, sessionID), nil
}

// OfferHandoff asks the user whether they want an agent. Nothing is created until they agree.
func (s *Service) OfferHandoff(ctx context.Context, req Request) (Reply, error) {
	lang := s.language(req.Language, req.OriginalQuery)
	text := req.DraftAnswer + s.phrasesFor(lang).offer

	_, err := s.gate.CreateHandoffConfirmation(ctx, req.UserID, HandoffPayload{
		OriginalQuery:     req.OriginalQuery,
		RewrittenQuery:    req.query(),
		DraftAnswer:       text,
		SupportingContext: req.SupportingContext,
	}, s.cfg.ConfirmationTTL)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: text, Outcome: OutcomeOffered}, nil
}

// HandleInbound checks a user's message against a pending handoff offer.
// handled is false when no offer is pending and the message should go to the assistant.
func (s *Service) HandleInbound(ctx context.Context, req Request) (reply Reply, handled bool, err error) {
	action, err := s.gate.Get(ctx, req.UserID)
	if err != nil {
		return Reply{}, false, err
	}
	if !action.IsHandoff() || action.Data == nil {
		return Reply{}, false, nil
	}

	// short answers like "ok" say little about the language, the offered question says more
	lang := s.language(req.Language, action.Data.OriginalQuery)
	p := s.phrasesFor(lang)

	switch pending.ParseUserResponse(req.OriginalQuery) {
	case pending.Yes:
		taken, err := s.gate.TakeHandoff(ctx, req.UserID)
		if err != nil {
			return Reply{}, true, err
		}
		if taken == nil || taken.Data == nil {
			// a concurrent answer already consumed the offer
			return Reply{}, false, nil
		}
		payload := *taken.Data
		sessionID, err := s.openTicket(ctx, session.NewSession{
			Query:    payload.RewrittenQuery,
			Context:  confirmedContext(payload),
			UserID:   req.UserID,
			Language: lang,
			Metadata: map[string]any{
				"reason":    "confirmed_offer",
				"action_id": taken.ActionID,
			},
		})
		if err != nil {
			if rerr := s.gate.RestoreHandoff(ctx, taken); rerr != nil {
				s.logger.Warn("Failed to restore handoff offer",
					logger.String("user_id", req.UserID),
					logger.Error(rerr))
			}
			return Reply{}, true, err
		}

		reply := s.ticketReply(p.connected, sessionID)
		s.recordHandoffFeedback(ctx, req, payload, reply.Text)
		s.logger.Info("Handoff confirmed",
			logger.String("user_id", req.UserID),
			logger.String("session_id", sessionID))
		return reply, true, nil

	case pending.No:
		if _, err := s.gate.Clear(ctx, req.UserID); err != nil {
			return Reply{}, true, err
		}
		s.logger.Info("Handoff declined", logger.String("user_id", req.UserID))
		return Reply{Text: p.declined, Outcome: OutcomeDeclined}, true, nil

	default:
		return Reply{Text: p.clarify, Outcome: OutcomeClarify}, true, nil
	}
}

// NegativeFeedback opens a ticket for an answer the user rated as unhelpful
func (s *Service) NegativeFeedback(ctx context.Context, rec *sqlite.FeedbackRecord) (string, error) {
	sessionID, err := s.openTicket(ctx, session.NewSession{
		Query:   rec.OriginalQuery,
		Context: rec.Answer,
		UserID:  rec.UserID,
		Metadata: map[string]any{
			"feedback_id":          rec.FeedbackID,
			"reason":               "negative_feedback",
			"contextualized_query": rec.RewrittenQuery,
			"selected_files":       rec.SelectedFiles,
		},
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("Ticket opened from negative feedback",
		logger.String("feedback_id", rec.FeedbackID),
		logger.String("session_id", sessionID))
	return sessionID, nil
}

// openTicket classifies, stores, queues and announces a new ticket
func (s *Service) openTicket(ctx context.Context, ns session.NewSession) (string, error) {
	if ns.Language == "" {
		ns.Language = classify.Language(ns.Query)
	}
	ns.Category = classify.Category(ns.Query)
	ns.Priority = classify.Priority(ns.Query)

	sessionID, err := s.store.Create(ctx, ns)
	if err != nil {
		return "", err
	}

	if err := s.queue.Enqueue(ctx, sessionID, ns.Priority); err != nil {
		// A waiting ticket outside the queue would never be picked up
		if _, cerr := s.store.Close(ctx, sessionID, "enqueue_failed", nil); cerr != nil {
			s.logger.Error("Failed to close unqueued session",
				logger.String("session_id", sessionID),
				logger.Error(cerr))
		}
		return "", err
	}

	s.publish(ctx, notify.GlobalTopic, model.Event{
		Type:      model.EventNewSupportRequest,
		SessionID: sessionID,
		Priority:  ns.Priority,
		Category:  ns.Category,
		Language:  ns.Language,
		Preview:   excerpt(ns.Query, 100),
		Timestamp: s.now(),
	})
	s.publishQueueLength(ctx)
	return sessionID, nil
}

// AssignAgent records the agent on a waiting ticket and takes it off the queue.
// Assigning an already assigned or active ticket succeeds without changes.
func (s *Service) AssignAgent(ctx context.Context, sessionID, agentID, agentName string) error {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == model.StatusClosed {
		s.dequeue(ctx, sessionID)
		return fmt.Errorf("%w: session %s is closed", ErrInvalidTransition, sessionID)
	}

	if sess.Status == model.StatusWaiting {
		applied, current, err := s.store.UpdateStatus(ctx, sessionID, model.StatusAssigned, map[string]string{
			"agent_id":    agentID,
			"agent_name":  agentName,
			"assigned_at": s.now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return err
		}
		if !applied && current == model.StatusClosed {
			s.dequeue(ctx, sessionID)
			return fmt.Errorf("%w: session %s was closed", ErrInvalidTransition, sessionID)
		}
		if applied {
			s.logger.Info("Agent assigned",
				logger.String("session_id", sessionID),
				logger.String("agent_id", agentID))
		}
	}

	s.dequeue(ctx, sessionID)
	return nil
}

// CloseSession ends a ticket from any status. Closing twice is a no-op.
func (s *Service) CloseSession(ctx context.Context, sessionID, resolution string, rating *int) error {
	if resolution == "" {
		resolution = "resolved"
	}

	// Removed first so an expired ticket does not linger in the queue
	s.dequeue(ctx, sessionID)

	closed, err := s.store.Close(ctx, sessionID, resolution, rating)
	if err != nil {
		return err
	}
	if !closed {
		return nil
	}

	lang := ""
	if sess, err := s.store.Get(ctx, sessionID); err == nil {
		lang = sess.Language
	}
	event := model.Event{
		Type:       model.EventChatClosed,
		Resolution: resolution,
		Message:    s.phrasesFor(lang).chatClosed,
		Timestamp:  s.now(),
	}
	s.sendToUser(sessionID, event)
	s.sendToAgent(sessionID, event)
	s.publish(ctx, notify.ChatTopic(sessionID), event)

	s.logger.Info("Session closed",
		logger.String("session_id", sessionID),
		logger.String("resolution", resolution))
	return nil
}

// Queue returns the waiting tickets in queue order, skipping ones that expired
func (s *Service) Queue(ctx context.Context) ([]*model.Session, error) {
	ids, err := s.queue.List(ctx)
	if err != nil {
		return nil, err
	}

	sessions := make([]*model.Session, 0, len(ids))
	for _, sessionID := range ids {
		sess, err := s.store.Get(ctx, sessionID)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// QueueLength returns the number of waiting tickets
func (s *Service) QueueLength(ctx context.Context) (int, error) {
	return s.queue.Len(ctx)
}

// Session returns one ticket with its message log
func (s *Service) Session(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.store.Get(ctx, sessionID)
}

// OnlineAgents lists agents with a live heartbeat
func (s *Service) OnlineAgents(ctx context.Context) ([]model.Agent, error) {
	return s.presence.ListOnline(ctx)
}

// Heartbeat refreshes an agent's presence
func (s *Service) Heartbeat(ctx context.Context, agentID, agentName string) error {
	return s.presence.MarkOnline(ctx, agentID, agentName)
}

// Subscribe exposes the notification bus to watchers such as dashboards
func (s *Service) Subscribe(ctx context.Context, topic string) (*notify.Subscription, error) {
	return s.bus.Subscribe(ctx, topic)
}

func (s *Service) language(explicit, text string) string {
	if explicit != "" {
		return explicit
	}
	if text == "" {
		return s.cfg.DefaultLanguage
	}
	return classify.Language(text)
}

func (s *Service) ticketReply(format, sessionID string) Reply {
	ticket := id.TicketNumber(sessionID)
	url := s.chatURL(sessionID)
	return Reply{
		Text:         fmt.Sprintf(format, ticket, url),
		Outcome:      OutcomeCreated,
		SessionID:    sessionID,
		TicketNumber: ticket,
		ChatURL:      url,
	}
}

func (s *Service) recordHandoffFeedback(ctx context.Context, req Request, payload HandoffPayload, answer string) {
	if s.feedback == nil {
		return
	}
	_, err := s.feedback.CreatePending(ctx, &sqlite.FeedbackRecord{
		TicketID:         req.MessageID,
		UserID:           req.UserID,
		SessionID:        req.ChatSessionID,
		OriginalQuery:    payload.OriginalQuery,
		RewrittenQuery:   payload.RewrittenQuery,
		Answer:           answer,
		Category:         "handoff_confirmed",
		HandoffTriggered: true,
	})
	if err != nil {
		s.logger.Warn("Failed to record handoff feedback",
			logger.String("user_id", req.UserID),
			logger.Error(err))
	}
}

func (s *Service) dequeue(ctx context.Context, sessionID string) {
	n, err := s.queue.Dequeue(ctx, sessionID)
	if err != nil {
		s.logger.Warn("Failed to dequeue session",
			logger.String("session_id", sessionID),
			logger.Error(err))
		return
	}
	if n > 0 {
		s.publishQueueLength(ctx)
	}
}

func (s *Service) publishQueueLength(ctx context.Context) {
	n, err := s.queue.Len(ctx)
	if err != nil {
		s.logger.Warn("Failed to read queue length", logger.Error(err))
		return
	}
	s.publish(ctx, notify.GlobalTopic, model.QueueUpdate(n, s.now()))
}

// publish is best-effort: a lost notification never fails the operation
func (s *Service) publish(ctx context.Context, topic string, event model.Event) {
	if err := s.bus.Publish(ctx, topic, event); err != nil {
		s.logger.Warn("Failed to publish event",
			logger.String("topic", topic),
			logger.String("type", event.Type),
			logger.Error(err))
	}
}
