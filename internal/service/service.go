// Package service holds the business flows: checkout, restaurant decisions,
// refunds, the IVR call lifecycle, credit purchases and POS sync. Every
// write runs in a single store transaction; metrics, logs and the outbox
// nudge happen only after commit.
package service

import (
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/campuseats/ordering/internal/service")

var (
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
)

const scopeOrderCreate = "order.create"

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func utcNow() time.Time {
	return time.Now().UTC()
}
