package handoff_test

import (
	"context"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/yegors/co-desk/internal/handoff"
	"github.com/yegors/co-desk/internal/history"
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

type memChannel struct {
	mu     sync.Mutex
	events []model.Event
}

func (m *memChannel) Send(e model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memChannel) Close() error { return nil }

func (m *memChannel) Received() []model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Event(nil), m.events...)
}

func (m *memChannel) Types() []string {
	var types []string
	for _, e := range m.Received() {
		types = append(types, e.Type)
	}
	return types
}

var _ = Describe("Service", func() {
	var (
		ctx        context.Context
		mr         *miniredis.Miniredis
		q          *queue.Queue
		gate       *pending.Gate
		presenceRg *presence.Registry
		transcript *history.Manager
		svc        *handoff.Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		mr = miniredis.RunT(GinkgoT())
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		DeferCleanup(rdb.Close)

		log := logger.NewNop()
		transcript = history.NewManager(rdb, "test:", time.Hour, log)
		q = queue.New(rdb, "test:", log)
		gate = pending.NewGate(rdb, "test:", log)
		presenceRg = presence.NewRegistry(rdb, "test:", 5*time.Minute, log)

		svc = handoff.NewService(handoff.Deps{
			Store: session.NewStore(rdb, session.Options{
				Prefix:     "test:",
				TTL:        3 * time.Hour,
				Summarizer: transcript,
			}, log),
			Queue:       q,
			Presence:    presenceRg,
			Bus:         notify.NewBus(rdb, "test:", log),
			Connections: relay.NewRegistry(log),
			Gate:        gate,
			Transcript:  transcript,
		}, handoff.Config{
			ConfirmationTTL: 10 * time.Minute,
			ChatURL:         "http://localhost:8001/chat",
			DefaultLanguage: "az",
		}, log)
	})

	queueLen := func() int {
		n, err := q.Len(ctx)
		Expect(err).NotTo(HaveOccurred())
		return n
	}

	status := func(sessionID string) model.Status {
		sess, err := svc.Session(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		return sess.Status
	}

	direct := func(userID, query string) string {
		reply, err := svc.DirectHandoff(ctx, handoff.Request{UserID: userID, OriginalQuery: query})
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Outcome).To(Equal(handoff.OutcomeCreated))
		return reply.SessionID
	}

	Describe("ticket lifecycle", func() {
		It("runs from creation through relay to close", func() {
			sessionID := direct("u1", "what sizes do you have")

			Expect(queueLen()).To(Equal(1))
			pos, ok, err := q.PositionOf(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(pos).To(Equal(1))

			Expect(svc.AssignAgent(ctx, sessionID, "A1", "Aysel")).To(Succeed())
			Expect(queueLen()).To(BeZero())
			Expect(status(sessionID)).To(Equal(model.StatusAssigned))

			user, agent := &memChannel{}, &memChannel{}
			Expect(svc.AttachUser(ctx, sessionID, user)).To(Succeed())
			Expect(svc.AttachAgent(ctx, sessionID, "A1", "Aysel", agent)).To(Succeed())
			Expect(status(sessionID)).To(Equal(model.StatusActive))
			Expect(user.Types()).To(ContainElement(model.EventAgentJoined))
			Expect(agent.Types()).To(ContainElement(model.EventHistory))

			before, err := svc.Session(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())

			Expect(svc.AgentMessage(ctx, sessionID, "A1", "Aysel", "hello")).To(Succeed())

			last := user.Received()[len(user.Received())-1]
			Expect(last.Type).To(Equal(model.EventMessage))
			Expect(last.Role).To(Equal(model.RoleAgent))
			Expect(last.Content).To(Equal("hello"))

			after, err := svc.Session(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(after.Messages).To(HaveLen(len(before.Messages) + 1))

			Expect(svc.CloseSession(ctx, sessionID, "resolved", nil)).To(Succeed())

			closed, err := svc.Session(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(closed.Status).To(Equal(model.StatusClosed))
			Expect(closed.Resolution).To(Equal("resolved"))
			trailing := closed.Messages[len(closed.Messages)-1]
			Expect(trailing.Role).To(Equal(model.RoleSystem))
			Expect(trailing.Content).To(Equal(session.ChatEndedText))
			Expect(queueLen()).To(BeZero())
			Expect(user.Types()).To(ContainElement(model.EventChatClosed))
		})

		It("closes idempotently", func() {
			sessionID := direct("u1", "hello")

			Expect(svc.CloseSession(ctx, sessionID, "abandoned", nil)).To(Succeed())
			Expect(svc.CloseSession(ctx, sessionID, "abandoned", nil)).To(Succeed())

			sess, err := svc.Session(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Status).To(Equal(model.StatusClosed))
			Expect(sess.Messages).To(HaveLen(2))
			Expect(queueLen()).To(BeZero())
		})

		It("mirrors agent replies into the user's transcript", func() {
			sessionID := direct("u1", "hello")
			Expect(svc.AgentMessage(ctx, sessionID, "A1", "Aysel", "how can I help")).To(Succeed())

			entries, err := transcript.History(ctx, "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Role).To(Equal(history.RoleAgent))
		})

		It("snapshots the assistant conversation into a new ticket", func() {
			Expect(transcript.AddMessage(ctx, "u1", history.RoleUser, "where is my parcel", nil)).To(Succeed())
			sessionID := direct("u1", "I want a human")

			sess, err := svc.Session(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.ConversationSummary).To(ContainSubstring("where is my parcel"))
		})
	})

	Describe("queue order", func() {
		It("puts urgent tickets ahead of normal ones", func() {
			normal := direct("u1", "what sizes do you have")
			urgent := direct("u2", "срочно, не работает оплата")

			ids, err := q.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(Equal([]string{urgent, normal}))

			sessions, err := svc.Queue(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sessions).To(HaveLen(2))
			Expect(sessions[0].Priority).To(Equal(model.PriorityHigh))
			Expect(sessions[0].Language).To(Equal("ru"))
			Expect(sessions[0].Category).To(Equal("payment"))
		})

		It("skips expired tickets when listing", func() {
			direct("u1", "hello")
			mr.FastForward(3*time.Hour + time.Second)

			sessions, err := svc.Queue(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sessions).To(BeEmpty())
		})
	})

	Describe("AssignAgent", func() {
		It("rejects unknown tickets and leaves the queue alone", func() {
			direct("u1", "hello")

			err := svc.AssignAgent(ctx, "missing", "A1", "Aysel")
			Expect(err).To(MatchError(handoff.ErrSessionNotFound))
			Expect(queueLen()).To(Equal(1))
		})

		It("rejects closed tickets", func() {
			sessionID := direct("u1", "hello")
			Expect(svc.CloseSession(ctx, sessionID, "", nil)).To(Succeed())

			err := svc.AssignAgent(ctx, sessionID, "A1", "Aysel")
			Expect(err).To(MatchError(handoff.ErrInvalidTransition))
		})

		It("is idempotent for assigned tickets", func() {
			sessionID := direct("u1", "hello")
			Expect(svc.AssignAgent(ctx, sessionID, "A1", "Aysel")).To(Succeed())
			Expect(svc.AssignAgent(ctx, sessionID, "A2", "Boris")).To(Succeed())

			sess, err := svc.Session(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.AgentID).To(Equal("A1"))
			Expect(sess.AssignedAt).NotTo(BeNil())
		})
	})

	Describe("confirmation gate", func() {
		offer := func(userID string) {
			reply, err := svc.OfferHandoff(ctx, handoff.Request{
				UserID:            userID,
				OriginalQuery:     "Где мой возврат?",
				RewrittenQuery:    "статус возврата заказа 42",
				DraftAnswer:       "Возврат занимает 5 дней.",
				SupportingContext: "Политика возврата",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Outcome).To(Equal(handoff.OutcomeOffered))
			Expect(reply.Text).To(HavePrefix("Возврат занимает 5 дней."))
		}

		inbound := func(userID, text string) (handoff.Reply, bool) {
			reply, handled, err := svc.HandleInbound(ctx, handoff.Request{UserID: userID, OriginalQuery: text})
			Expect(err).NotTo(HaveOccurred())
			return reply, handled
		}

		It("creates nothing until the user agrees", func() {
			offer("u1")
			Expect(queueLen()).To(BeZero())

			action, err := gate.Get(ctx, "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(action.IsHandoff()).To(BeTrue())
			Expect(action.Data.RewrittenQuery).To(Equal("статус возврата заказа 42"))
		})

		It("creates a ticket on yes and clears the gate", func() {
			offer("u1")

			reply, handled := inbound("u1", "да, соедините")
			Expect(handled).To(BeTrue())
			Expect(reply.Outcome).To(Equal(handoff.OutcomeCreated))
			Expect(reply.TicketNumber).To(Equal(id.TicketNumber(reply.SessionID)))
			Expect(reply.Text).To(ContainSubstring("#" + reply.TicketNumber))
			Expect(reply.Text).To(ContainSubstring("Номер обращения"))
			Expect(reply.ChatURL).To(Equal("http://localhost:8001/chat?session=" + reply.SessionID))
			Expect(queueLen()).To(Equal(1))

			sess, err := svc.Session(ctx, reply.SessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Query).To(Equal("статус возврата заказа 42"))
			Expect(sess.ContextPreview).To(ContainSubstring("Где мой возврат?"))
			Expect(sess.Category).To(Equal("return"))

			action, err := gate.Get(ctx, "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(action).To(BeNil())
		})

		It("declines on no without creating a ticket", func() {
			offer("u1")

			reply, handled := inbound("u1", "нет, спасибо")
			Expect(handled).To(BeTrue())
			Expect(reply.Outcome).To(Equal(handoff.OutcomeDeclined))
			Expect(queueLen()).To(BeZero())

			awaiting, err := gate.IsAwaitingHandoff(ctx, "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(awaiting).To(BeFalse())
		})

		It("asks again when the answer is unclear", func() {
			offer("u1")

			reply, handled := inbound("u1", "а сколько стоит доставка?")
			Expect(handled).To(BeTrue())
			Expect(reply.Outcome).To(Equal(handoff.OutcomeClarify))

			awaiting, err := gate.IsAwaitingHandoff(ctx, "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(awaiting).To(BeTrue())
		})

		It("opens one ticket when the same yes arrives twice at once", func() {
			offer("u1")

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				created int
			)
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					reply, _, err := svc.HandleInbound(ctx, handoff.Request{UserID: "u1", OriginalQuery: "да"})
					Expect(err).NotTo(HaveOccurred())
					if reply.Outcome == handoff.OutcomeCreated {
						mu.Lock()
						created++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			Expect(created).To(Equal(1))
			Expect(queueLen()).To(Equal(1))
		})

		It("ignores a yes after the offer expired", func() {
			offer("u1")
			action, err := gate.Get(ctx, "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(action).NotTo(BeNil())

			mr.FastForward(10*time.Minute + time.Second)

			action, err = gate.Get(ctx, "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(action).To(BeNil())

			_, handled := inbound("u1", "да")
			Expect(handled).To(BeFalse())
			Expect(queueLen()).To(BeZero())
		})

		It("passes through when nothing is pending", func() {
			_, handled := inbound("u1", "да")
			Expect(handled).To(BeFalse())
		})
	})

	Describe("HandleDecision", func() {
		It("returns the draft answer when no handoff is needed", func() {
			reply, err := svc.HandleDecision(ctx, handoff.DecisionNone, handoff.Request{UserID: "u1", DraftAnswer: "42"})
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Text).To(Equal("42"))
			Expect(queueLen()).To(BeZero())
		})

		It("rejects unknown decisions", func() {
			_, err := svc.HandleDecision(ctx, handoff.Decision("maybe"), handoff.Request{UserID: "u1"})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("NegativeFeedback", func() {
		It("opens a ticket from the rated answer", func() {
			sessionID, err := svc.NegativeFeedback(ctx, &sqlite.FeedbackRecord{
				FeedbackID:     "f1",
				UserID:         "u1",
				OriginalQuery:  "where is my refund",
				RewrittenQuery: "refund status order 42",
				Answer:         "Refunds take 5 days",
			})
			Expect(err).NotTo(HaveOccurred())

			sess, err := svc.Session(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Query).To(Equal("where is my refund"))
			Expect(sess.ContextPreview).To(Equal("Refunds take 5 days"))
			Expect(sess.Metadata).To(HaveKeyWithValue("reason", "negative_feedback"))
			Expect(sess.Metadata).To(HaveKeyWithValue("feedback_id", "f1"))
			Expect(queueLen()).To(Equal(1))
		})
	})

	Describe("relay", func() {
		It("tells a waiting user their queue position", func() {
			sessionID := direct("u1", "hello")
			user := &memChannel{}
			Expect(svc.AttachUser(ctx, sessionID, user)).To(Succeed())

			Expect(svc.UserMessage(ctx, sessionID, "anyone there?")).To(Succeed())

			events := user.Received()
			Expect(events).NotTo(BeEmpty())
			last := events[len(events)-1]
			Expect(last.Type).To(Equal(model.EventSystem))
			Expect(last.Content).To(ContainSubstring("1"))
		})

		It("ignores blank messages", func() {
			sessionID := direct("u1", "hello")
			Expect(svc.UserMessage(ctx, sessionID, "   ")).To(Succeed())

			sess, err := svc.Session(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Messages).To(HaveLen(1))
		})

		It("rejects messages for unknown tickets", func() {
			err := svc.UserMessage(ctx, "missing", "hi")
			Expect(err).To(MatchError(handoff.ErrSessionNotFound))
		})

		It("notifies the user when the agent leaves without closing the ticket", func() {
			sessionID := direct("u1", "hello")
			user, agent := &memChannel{}, &memChannel{}
			Expect(svc.AttachUser(ctx, sessionID, user)).To(Succeed())
			Expect(svc.AttachAgent(ctx, sessionID, "A1", "", agent)).To(Succeed())

			agents, err := svc.OnlineAgents(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(agents).To(HaveLen(1))
			Expect(agents[0].Name).To(Equal("Agent A1"))

			svc.Detach(ctx, agent)

			Expect(user.Types()).To(ContainElement(model.EventAgentDisconnected))
			Expect(status(sessionID)).To(Equal(model.StatusActive))

			agents, err = svc.OnlineAgents(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(agents).To(BeEmpty())
		})

		It("notifies the agent when the user leaves", func() {
			sessionID := direct("u1", "hello")
			user, agent := &memChannel{}, &memChannel{}
			Expect(svc.AttachAgent(ctx, sessionID, "A1", "Aysel", agent)).To(Succeed())
			Expect(status(sessionID)).To(Equal(model.StatusAssigned))
			Expect(svc.AttachUser(ctx, sessionID, user)).To(Succeed())
			Expect(status(sessionID)).To(Equal(model.StatusActive))

			svc.Detach(ctx, user)
			Expect(agent.Types()).To(ContainElement(model.EventUserDisconnected))
		})

		It("refuses agents on closed tickets", func() {
			sessionID := direct("u1", "hello")
			Expect(svc.CloseSession(ctx, sessionID, "", nil)).To(Succeed())

			err := svc.AttachAgent(ctx, sessionID, "A1", "Aysel", &memChannel{})
			Expect(err).To(MatchError(handoff.ErrInvalidTransition))
		})

		It("refuses users on closed tickets", func() {
			sessionID := direct("u1", "hello")
			Expect(svc.CloseSession(ctx, sessionID, "", nil)).To(Succeed())

			err := svc.AttachUser(ctx, sessionID, &memChannel{})
			Expect(err).To(MatchError(handoff.ErrInvalidTransition))
		})

		It("keeps the closing message last when a peer writes after close", func() {
			sessionID := direct("u1", "hello")
			user, agent := &memChannel{}, &memChannel{}
			Expect(svc.AttachUser(ctx, sessionID, user)).To(Succeed())
			Expect(svc.AttachAgent(ctx, sessionID, "A1", "Aysel", agent)).To(Succeed())
			Expect(svc.AgentClose(ctx, sessionID, "resolved")).To(Succeed())

			Expect(svc.UserMessage(ctx, sessionID, "still there?")).To(MatchError(handoff.ErrInvalidTransition))
			Expect(svc.AgentMessage(ctx, sessionID, "A1", "Aysel", "one more thing")).To(MatchError(handoff.ErrInvalidTransition))

			sess, err := svc.Session(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			last := sess.Messages[len(sess.Messages)-1]
			Expect(last.Role).To(Equal(model.RoleSystem))
			Expect(last.Content).To(Equal(session.ChatEndedText))
		})

		It("names the departing agent by the name they joined with", func() {
			sessionID := direct("u1", "hello")
			user, agent := &memChannel{}, &memChannel{}
			Expect(svc.AttachUser(ctx, sessionID, user)).To(Succeed())
			Expect(svc.AttachAgent(ctx, sessionID, "A1", "Aysel", agent)).To(Succeed())

			svc.Detach(ctx, agent)

			var left *model.Event
			for _, e := range user.Received() {
				if e.Type == model.EventAgentDisconnected {
					e := e
					left = &e
				}
			}
			Expect(left).NotTo(BeNil())
			Expect(left.AgentName).To(Equal("Aysel"))
		})
	})

	Describe("notifications", func() {
		It("announces new tickets on the global topic", func() {
			sub, err := svc.Subscribe(ctx, notify.GlobalTopic)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(sub.Close)

			sessionID := direct("u1", "срочно помогите")

			var got model.Event
			Eventually(sub.Events(), time.Second).Should(Receive(&got))
			Expect(got.Type).To(Equal(model.EventNewSupportRequest))
			Expect(got.SessionID).To(Equal(sessionID))
			Expect(got.Priority).To(Equal(model.PriorityHigh))

			Eventually(sub.Events(), time.Second).Should(Receive(&got))
			Expect(got.Type).To(Equal(model.EventQueueUpdate))
			Expect(*got.Count).To(Equal(1))
		})
	})
})
