package notify_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/yegors/co-desk/internal/model"
	"github.com/yegors/co-desk/internal/notify"
	"github.com/yegors/co-desk/pkg/logger"
)

var _ = Describe("Bus", func() {
	var (
		ctx context.Context
		mr  *miniredis.Miniredis
		bus *notify.Bus
	)

	BeforeEach(func() {
		ctx = context.Background()
		mr = miniredis.RunT(GinkgoT())
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		DeferCleanup(rdb.Close)
		bus = notify.NewBus(rdb, "test:", logger.NewNop())
	})

	It("delivers events published after subscribing", func() {
		sub, err := bus.Subscribe(ctx, notify.ChatTopic("s1"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(sub.Close)

		Expect(bus.Publish(ctx, notify.ChatTopic("s1"), model.Event{
			Type:    model.EventMessage,
			Role:    model.RoleAgent,
			Content: "Hello",
		})).To(Succeed())

		var got model.Event
		Eventually(sub.Events(), time.Second).Should(Receive(&got))
		Expect(got.Type).To(Equal(model.EventMessage))
		Expect(got.Content).To(Equal("Hello"))
	})

	It("keeps topics apart", func() {
		sub, err := bus.Subscribe(ctx, notify.GlobalTopic)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(sub.Close)

		Expect(bus.Publish(ctx, notify.ChatTopic("s1"), model.Event{Type: model.EventTyping})).To(Succeed())
		Expect(bus.Publish(ctx, notify.GlobalTopic, model.Event{Type: model.EventNewSupportRequest, SessionID: "s1"})).To(Succeed())

		var got model.Event
		Eventually(sub.Events(), time.Second).Should(Receive(&got))
		Expect(got.Type).To(Equal(model.EventNewSupportRequest))
		Consistently(sub.Events(), 100*time.Millisecond).ShouldNot(Receive())
	})

	It("skips malformed payloads", func() {
		sub, err := bus.Subscribe(ctx, notify.GlobalTopic)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(sub.Close)

		mr.Publish("test:"+notify.GlobalTopic, "{not json")
		Expect(bus.Publish(ctx, notify.GlobalTopic, model.QueueUpdate(2, time.Now()))).To(Succeed())

		var got model.Event
		Eventually(sub.Events(), time.Second).Should(Receive(&got))
		Expect(got.Type).To(Equal(model.EventQueueUpdate))
		Expect(*got.Count).To(Equal(2))
	})

	It("closes the event stream when the context ends", func() {
		subCtx, cancel := context.WithCancel(ctx)
		sub, err := bus.Subscribe(subCtx, notify.GlobalTopic)
		Expect(err).NotTo(HaveOccurred())

		cancel()
		Eventually(sub.Events(), time.Second).Should(BeClosed())
		Expect(sub.Close()).To(Succeed())
	})
})
