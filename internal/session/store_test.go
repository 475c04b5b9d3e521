package session_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/yegors/co-desk/internal/model"
	"github.com/yegors/co-desk/internal/session"
	"github.com/yegors/co-desk/pkg/logger"
)

type stubSummarizer struct {
	summary string
	err     error
	calls   int
}

func (s *stubSummarizer) SummaryForAgent(_ context.Context, _ string, _ int) (string, error) {
	s.calls++
	return s.summary, s.err
}

// failingHook fails scripts carrying marker while remaining > 0
type failingHook struct {
	mu        sync.Mutex
	marker    string
	remaining int
}

func (h *failingHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h *failingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		name := cmd.Name()
		if name == "evalsha" || name == "eval" {
			h.mu.Lock()
			fail := h.remaining > 0 && strings.Contains(fmt.Sprint(cmd.Args()...), h.marker)
			if fail {
				h.remaining--
			}
			h.mu.Unlock()
			if fail {
				err := errors.New("connection reset")
				cmd.SetErr(err)
				return err
			}
		}
		return next(ctx, cmd)
	}
}

func (h *failingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

var _ = Describe("Store", func() {
	var (
		ctx        context.Context
		mr         *miniredis.Miniredis
		rdb        *redis.Client
		summarizer *stubSummarizer
		store      *session.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		mr = miniredis.RunT(GinkgoT())
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		DeferCleanup(rdb.Close)

		summarizer = &stubSummarizer{summary: "👤 12:00 where is my order"}
		store = session.NewStore(rdb, session.Options{
			Prefix:         "test:",
			TTL:            time.Hour,
			Summarizer:     summarizer,
			RetryBaseDelay: time.Millisecond,
		}, logger.NewNop())
	})

	create := func() string {
		id, err := store.Create(ctx, session.NewSession{
			Query:    "Where is my order?",
			Context:  "order #123 shipped",
			UserID:   "u1",
			Priority: model.PriorityHigh,
			Language: "en",
			Category: "delivery",
			Metadata: map[string]any{"source": "web"},
		})
		Expect(err).NotTo(HaveOccurred())
		return id
	}

	Describe("Create", func() {
		It("stores a waiting session seeded with the initiating query", func() {
			id := create()

			sess, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.ID).To(Equal(id))
			Expect(sess.UserID).To(Equal("u1"))
			Expect(sess.Status).To(Equal(model.StatusWaiting))
			Expect(sess.Priority).To(Equal(model.PriorityHigh))
			Expect(sess.Category).To(Equal("delivery"))
			Expect(sess.ContextPreview).To(Equal("order #123 shipped"))
			Expect(sess.ConversationSummary).To(Equal("👤 12:00 where is my order"))
			Expect(sess.Metadata).To(HaveKeyWithValue("source", "web"))
			Expect(sess.AssignedAt).To(BeNil())
			Expect(sess.ClosedAt).To(BeNil())
			Expect(sess.Messages).To(HaveLen(1))
			Expect(sess.Messages[0].Role).To(Equal(model.RoleUser))
			Expect(sess.Messages[0].Content).To(Equal("Where is my order?"))
		})

		It("generates a guest user ID when none is given", func() {
			id, err := store.Create(ctx, session.NewSession{Query: "hi"})
			Expect(err).NotTo(HaveOccurred())

			sess, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.UserID).To(HavePrefix("guest_"))
			Expect(sess.UserID).To(HaveLen(len("guest_") + 8))
			Expect(sess.Priority).To(Equal(model.PriorityNormal))
		})

		It("creates the session even when the summary cannot be loaded", func() {
			summarizer.err = errors.New("history down")

			id := create()
			sess, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.ConversationSummary).To(BeEmpty())
		})

		It("truncates the context preview to 1000 characters", func() {
			long := make([]rune, 1500)
			for i := range long {
				long[i] = 'ж'
			}
			id, err := store.Create(ctx, session.NewSession{Query: "q", Context: string(long)})
			Expect(err).NotTo(HaveOccurred())

			sess, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect([]rune(sess.ContextPreview)).To(HaveLen(1000))
		})
	})

	Describe("Get", func() {
		It("returns ErrSessionNotFound for unknown IDs", func() {
			_, err := store.Get(ctx, "missing")
			Expect(err).To(MatchError(model.ErrSessionNotFound))
		})

		It("treats an expired session as not found", func() {
			id := create()
			mr.FastForward(time.Hour + time.Second)

			_, err := store.Get(ctx, id)
			Expect(err).To(MatchError(model.ErrSessionNotFound))
		})
	})

	Describe("AppendMessage", func() {
		It("appends in order", func() {
			id := create()
			_, err := store.AppendMessage(ctx, id, model.Message{Role: model.RoleAgent, Content: "Hello"})
			Expect(err).NotTo(HaveOccurred())
			_, err = store.AppendMessage(ctx, id, model.Message{Role: model.RoleUser, Content: "Hi"})
			Expect(err).NotTo(HaveOccurred())

			sess, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Messages).To(HaveLen(3))
			Expect(sess.Messages[1].Content).To(Equal("Hello"))
			Expect(sess.Messages[2].Content).To(Equal("Hi"))
			Expect(sess.Messages[1].ID).NotTo(BeEmpty())
		})

		It("stores a message ID only once", func() {
			id := create()
			msg := model.Message{ID: "m-1", Role: model.RoleUser, Content: "again"}
			_, err := store.AppendMessage(ctx, id, msg)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.AppendMessage(ctx, id, msg)
			Expect(err).NotTo(HaveOccurred())

			sess, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Messages).To(HaveLen(2))
		})

		It("fails without side effects on a missing session", func() {
			_, err := store.AppendMessage(ctx, "missing", model.Message{Role: model.RoleUser, Content: "x"})
			Expect(err).To(MatchError(model.ErrSessionNotFound))
			Expect(mr.Exists("test:session:missing:messages")).To(BeFalse())
		})

		It("loses nothing under concurrent appends", func() {
			id := create()

			var wg sync.WaitGroup
			for w := 0; w < 2; w++ {
				wg.Add(1)
				go func(worker int) {
					defer GinkgoRecover()
					defer wg.Done()
					for i := 0; i < 25; i++ {
						_, err := store.AppendMessage(ctx, id, model.Message{
							Role:    model.RoleUser,
							Content: fmt.Sprintf("w%d-%d", worker, i),
						})
						Expect(err).NotTo(HaveOccurred())
					}
				}(w)
			}
			wg.Wait()

			sess, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Messages).To(HaveLen(51))
		})

		It("surfaces ErrStoreUnavailable after bounded retries", func() {
			id := create()
			mr.SetError("ERR injected failure")

			_, err := store.AppendMessage(ctx, id, model.Message{Role: model.RoleUser, Content: "x"})
			Expect(err).To(MatchError(model.ErrStoreUnavailable))

			mr.SetError("")
			sess, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Messages).To(HaveLen(1))
		})

		It("refuses messages once the ticket is closed", func() {
			id := create()
			_, err := store.Close(ctx, id, "resolved", nil)
			Expect(err).NotTo(HaveOccurred())

			_, err = store.AppendMessage(ctx, id, model.Message{Role: model.RoleUser, Content: "still there?"})
			Expect(err).To(MatchError(model.ErrInvalidTransition))

			sess, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Messages).To(HaveLen(2))
			Expect(sess.Messages[1].Content).To(Equal(session.ChatEndedText))
		})

		It("refreshes the TTL of every key", func() {
			id := create()
			mr.FastForward(50 * time.Minute)

			_, err := store.AppendMessage(ctx, id, model.Message{Role: model.RoleUser, Content: "still here"})
			Expect(err).NotTo(HaveOccurred())
			mr.FastForward(50 * time.Minute)

			sess, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Messages).To(HaveLen(2))
		})
	})

	Describe("UpdateStatus", func() {
		It("moves forward and writes the extra fields", func() {
			id := create()
			applied, current, err := store.UpdateStatus(ctx, id, model.StatusAssigned, map[string]string{
				"agent_id":   "a1",
				"agent_name": "Aysel",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeTrue())
			Expect(current).To(Equal(model.StatusAssigned))

			sess, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.AgentID).To(Equal("a1"))
			Expect(sess.AgentName).To(Equal("Aysel"))
		})

		It("never moves backwards", func() {
			id := create()
			_, _, err := store.UpdateStatus(ctx, id, model.StatusActive, nil)
			Expect(err).NotTo(HaveOccurred())

			applied, current, err := store.UpdateStatus(ctx, id, model.StatusAssigned, map[string]string{"agent_id": "late"})
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeFalse())
			Expect(current).To(Equal(model.StatusActive))

			sess, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Status).To(Equal(model.StatusActive))
			Expect(sess.AgentID).To(BeEmpty())
		})

		It("rejects unknown statuses", func() {
			id := create()
			_, _, err := store.UpdateStatus(ctx, id, model.Status("paused"), nil)
			Expect(err).To(MatchError(model.ErrInvalidTransition))
		})

		It("returns ErrSessionNotFound for unknown IDs", func() {
			_, _, err := store.UpdateStatus(ctx, "missing", model.StatusAssigned, nil)
			Expect(err).To(MatchError(model.ErrSessionNotFound))
			Expect(mr.Exists("test:session:missing")).To(BeFalse())
		})
	})

	Describe("Close", func() {
		It("closes once and appends the trailing system message once", func() {
			id := create()
			rating := 5

			closed, err := store.Close(ctx, id, "resolved", &rating)
			Expect(err).NotTo(HaveOccurred())
			Expect(closed).To(BeTrue())

			closed, err = store.Close(ctx, id, "again", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(closed).To(BeFalse())

			sess, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Status).To(Equal(model.StatusClosed))
			Expect(sess.Resolution).To(Equal("resolved"))
			Expect(sess.Rating).To(Equal(5))
			Expect(sess.ClosedAt).NotTo(BeNil())
			Expect(sess.Messages).To(HaveLen(2))
			Expect(sess.Messages[1].Role).To(Equal(model.RoleSystem))
			Expect(sess.Messages[1].Content).To(Equal(session.ChatEndedText))
		})

		It("retries a failed close and still ends with the trailing message", func() {
			id := create()
			hook := &failingHook{marker: session.ChatEndedText, remaining: 1}
			rdb.AddHook(hook)

			closed, err := store.Close(ctx, id, "resolved", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(closed).To(BeTrue())

			sess, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Status).To(Equal(model.StatusClosed))
			Expect(sess.Messages).To(HaveLen(2))
			Expect(sess.Messages[1].Content).To(Equal(session.ChatEndedText))
		})

		It("leaves the ticket open when every close attempt fails", func() {
			id := create()
			hook := &failingHook{marker: session.ChatEndedText, remaining: 3}
			rdb.AddHook(hook)

			_, err := store.Close(ctx, id, "resolved", nil)
			Expect(err).To(MatchError(model.ErrStoreUnavailable))

			sess, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Status).To(Equal(model.StatusWaiting))
			Expect(sess.Messages).To(HaveLen(1))

			closed, err := store.Close(ctx, id, "resolved", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(closed).To(BeTrue())

			sess, err = store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Status).To(Equal(model.StatusClosed))
			Expect(sess.Messages[len(sess.Messages)-1].Content).To(Equal(session.ChatEndedText))
		})

		It("returns ErrSessionNotFound for unknown IDs", func() {
			_, err := store.Close(ctx, "missing", "", nil)
			Expect(err).To(MatchError(model.ErrSessionNotFound))
		})
	})

	Describe("Touch", func() {
		It("extends the lifetime of an idle session", func() {
			id := create()
			mr.FastForward(50 * time.Minute)
			Expect(store.Touch(ctx, id)).To(Succeed())
			mr.FastForward(50 * time.Minute)

			exists, err := store.Exists(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(exists).To(BeTrue())
		})
	})
})
