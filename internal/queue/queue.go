// Package queue carries PdfJob messages between the sync cycle and the
// document workers.
package queue

import (
	"context"

	"github.com/david/fundingfinder/internal/models"
)

// Kind tells the consumer what to do with a message after handling.
type Kind int

const (
	KindSuccess Kind = iota
	KindRetryable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Result is what a job handler reports back to the consumer.
type Result struct {
	Kind Kind
	Err  error
}

func Ack() Result            { return Result{Kind: KindSuccess} }
func Retry(err error) Result { return Result{Kind: KindRetryable, Err: err} }
func Fatal(err error) Result { return Result{Kind: KindFatal, Err: err} }

// Publisher hands a persisted job to the queue and returns the server id.
type Publisher interface {
	Publish(ctx context.Context, job models.PdfJob) (string, error)
}

// Handler processes one decoded job.
type Handler func(ctx context.Context, job models.PdfJob) Result
