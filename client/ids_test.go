package client_test

import (
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/gatewire/client"
)

var _ = Describe("Sequence", func() {
	It("starts where it was seeded", func() {
		seq := client.NewSequence(9000)
		Expect(seq.Current()).To(Equal(int32(9000)))
		Expect(seq.Next()).To(Equal(int32(9000)))
		Expect(seq.Next()).To(Equal(int32(9001)))
		Expect(seq.Current()).To(Equal(int32(9002)))
	})

	It("can be re-seeded", func() {
		seq := client.NewSequence(0)
		seq.Set(500)
		Expect(seq.Next()).To(Equal(int32(500)))
	})

	It("never hands out the same id twice under concurrency", func() {
		const (
			workers      = 10
			idsPerWorker = 100
		)

		seq := client.NewSequence(0)
		ids := make(chan int32, workers*idsPerWorker)

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < idsPerWorker; j++ {
					ids <- seq.Next()
				}
			}()
		}
		wg.Wait()
		close(ids)

		seen := make(map[int32]struct{}, workers*idsPerWorker)
		for id := range ids {
			_, dup := seen[id]
			Expect(dup).To(BeFalse(), "id handed out twice")
			Expect(id).To(BeNumerically(">=", 0))
			Expect(id).To(BeNumerically("<", workers*idsPerWorker))
			seen[id] = struct{}{}
		}

		Expect(seen).To(HaveLen(workers * idsPerWorker))
		Expect(seq.Current()).To(Equal(int32(workers * idsPerWorker)))
	})
})
