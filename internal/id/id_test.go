package id_test

import (
	"strconv"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/yegors/co-desk/internal/id"
)

var _ = Describe("IDs", func() {
	It("generates increasing message IDs", func() {
		Expect(id.Init(7)).To(Succeed())

		prev := int64(0)
		for range 100 {
			n, err := strconv.ParseInt(id.MessageID(), 10, 64)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeNumerically(">", prev))
			prev = n
		}
	})

	It("prefixes guest users", func() {
		Expect(id.Guest()).To(MatchRegexp(`^guest_[0-9a-f]{8}$`))
	})

	It("derives the ticket number from the session ID", func() {
		Expect(id.TicketNumber("3f2a9c1d-0000-4000-8000-000000000000")).To(Equal("3F2A9C1D"))
		Expect(id.TicketNumber("abc")).To(Equal("ABC"))
	})

	It("issues short confirmation tokens", func() {
		Expect(id.Token()).To(HaveLen(8))
		Expect(id.Token()).NotTo(Equal(id.Token()))
	})
})
