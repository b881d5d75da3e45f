package protocol_test

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/gatewire/protocol"
)

var _ = Describe("Features", func() {
	It("gates every capability exactly at its minimum version", func() {
		for _, f := range protocol.Features {
			Expect(f.SupportedBy(f.MinVersion - 1)).To(BeFalse(),
				fmt.Sprintf("%s should not be supported below %d", f.Name, f.MinVersion))
			Expect(f.SupportedBy(f.MinVersion)).To(BeTrue(),
				fmt.Sprintf("%s should be supported at %d", f.Name, f.MinVersion))
			Expect(f.SupportedBy(protocol.MaxClientVersion)).To(BeTrue())
		}
	})

	Describe("Check()", func() {
		It("returns nil when the gateway is new enough", func() {
			Expect(protocol.FeaturePnL.Check(132)).To(Succeed())
		})

		It("returns a FeatureError naming the capability and versions", func() {
			err := protocol.FeaturePnL.Check(120)
			Expect(err).To(HaveOccurred())

			var ferr *protocol.FeatureError
			Expect(errors.As(err, &ferr)).To(BeTrue())
			Expect(ferr.Feature).To(Equal(protocol.FeaturePnL))
			Expect(ferr.ServerVersion).To(Equal(120))
			Expect(ferr.Error()).To(ContainSubstring("pnl requests"))
		})
	})

	Describe("RouteFor()", func() {
		It("knows where each correlated type keeps its request id", func() {
			r, ok := protocol.RouteFor(protocol.InPnL)
			Expect(ok).To(BeTrue())
			Expect(r.ReqIDIndex).To(Equal(1))
			Expect(r.End).To(BeFalse())

			r, ok = protocol.RouteFor(protocol.InTickPrice)
			Expect(ok).To(BeTrue())
			Expect(r.ReqIDIndex).To(Equal(2))
		})

		It("flags end-of-stream markers", func() {
			r, ok := protocol.RouteFor(protocol.InContractDataEnd)
			Expect(ok).To(BeTrue())
			Expect(r.End).To(BeTrue())
		})

		It("routes uncorrelated types as broadcasts", func() {
			r, ok := protocol.RouteFor(protocol.InNewsBulletins)
			Expect(ok).To(BeTrue())
			Expect(r.ReqIDIndex).To(Equal(-1))
		})

		It("does not know unassigned type codes", func() {
			_, ok := protocol.RouteFor(protocol.Incoming(9999))
			Expect(ok).To(BeFalse())
		})
	})
})
