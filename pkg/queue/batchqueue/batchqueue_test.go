/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package batchqueue_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fleetforge/scheduler/pkg/queue"
	"github.com/fleetforge/scheduler/pkg/queue/batchqueue"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeEnqueuer) EnqueueBatch(ctx context.Context, deploymentIDs []string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]string(nil), deploymentIDs...)
	f.calls = append(f.calls, cp)
	return nil
}

func (f *fakeEnqueuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEnqueuer) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type fakeStatus struct{}

func (fakeStatus) Status(ctx context.Context, deploymentID string) (queue.Status, error) {
	return queue.StatusNotFound, nil
}

var _ = Describe("Queue", func() {
	var (
		enq *fakeEnqueuer
		q   *batchqueue.Queue
		ctx context.Context
	)

	BeforeEach(func() {
		enq = &fakeEnqueuer{}
		q = batchqueue.NewQueue(enq, fakeStatus{}, batchqueue.RealClock{}, 20*time.Millisecond, 200*time.Millisecond)
		ctx = context.Background()
		go q.Run(ctx)
	})

	It("coalesces concurrent enqueue calls into one batch", func() {
		var wg sync.WaitGroup
		for _, id := range []string{"d1", "d2", "d3"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				Expect(q.Enqueue(context.Background(), id, 0)).To(Succeed())
			}(id)
		}
		wg.Wait()

		Expect(enq.callCount()).To(Equal(1))
		Expect(enq.lastCall()).To(ConsistOf("d1", "d2", "d3"))
	})

	It("flushes a second window separately once the first has closed", func() {
		Expect(q.Enqueue(context.Background(), "first", 0)).To(Succeed())
		Eventually(enq.callCount, time.Second, 5*time.Millisecond).Should(Equal(1))

		Expect(q.Enqueue(context.Background(), "second", 0)).To(Succeed())
		Eventually(enq.callCount, time.Second, 5*time.Millisecond).Should(Equal(2))

		Expect(enq.lastCall()).To(ConsistOf("second"))
	})

	It("passes Status through unbatched", func() {
		status, err := q.Status(context.Background(), "whatever")
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(queue.StatusNotFound))
	})
})
