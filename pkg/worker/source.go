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

package worker

import (
	"context"
	"time"

	"github.com/fleetforge/scheduler/pkg/queue/memqueue"
	"github.com/fleetforge/scheduler/pkg/queue/sqsqueue"
)

// memSource adapts memqueue's poll-based Ready() into the blocking Next()
// shape Loop expects.
type memSource struct {
	q            *memqueue.Queue
	pollInterval time.Duration
	buf          []string
}

// NewMemSource adapts an in-memory queue for use as a worker Source,
// polling for ready jobs every pollInterval. memqueue has no visibility
// timeout: a job whose ack is never called stays Started and is not
// redelivered.
func NewMemSource(q *memqueue.Queue, pollInterval time.Duration) Source {
	return &memSource{q: q, pollInterval: pollInterval}
}

func (s *memSource) Next(ctx context.Context) (string, func(context.Context) error, error) {
	for {
		if len(s.buf) > 0 {
			id := s.buf[0]
			s.buf = s.buf[1:]
			return id, func(context.Context) error { s.q.Finish(id); return nil }, nil
		}
		s.buf = s.q.Ready(time.Now())
		if len(s.buf) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// sqsSource adapts sqsqueue's long-poll Receive/Delete into the blocking
// Next() shape Loop expects: the returned ack deletes the SQS message only
// once the scheduler has actually attempted the job, so a crash between
// receive and ack leaves the message to redeliver after its visibility
// timeout rather than being silently dropped.
type sqsSource struct {
	q           *sqsqueue.Queue
	waitTime    time.Duration
	maxMessages int32

	pending []pendingMessage
}

type pendingMessage struct {
	deploymentID  string
	receiptHandle string
}

// NewSQSSource adapts an SQS-backed queue for use as a worker Source.
func NewSQSSource(q *sqsqueue.Queue, waitTime time.Duration) Source {
	return &sqsSource{q: q, waitTime: waitTime, maxMessages: 1}
}

func (s *sqsSource) Next(ctx context.Context) (string, func(context.Context) error, error) {
	for {
		if len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending = s.pending[1:]
			s.q.MarkStarted(msg.deploymentID)
			ack := func(ctx context.Context) error {
				s.q.MarkFinished(msg.deploymentID)
				return s.q.Delete(ctx, msg.receiptHandle)
			}
			return msg.deploymentID, ack, nil
		}

		msgs, err := s.q.Receive(ctx, s.maxMessages, s.waitTime)
		if err != nil {
			return "", nil, err
		}
		for _, m := range msgs {
			if m.Body == nil || m.ReceiptHandle == nil {
				continue
			}
			s.pending = append(s.pending, pendingMessage{deploymentID: *m.Body, receiptHandle: *m.ReceiptHandle})
		}
		if len(s.pending) == 0 {
			select {
			case <-ctx.Done():
				return "", nil, ctx.Err()
			default:
			}
		}
	}
}
