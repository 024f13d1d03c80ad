package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/orneryd/provgraph/pkg/instruction"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("provgraph.executor")

// Session runs instruction lists for one client. A session is not safe for
// concurrent use; open one per request.
type Session struct {
	ID   string
	exec *StoreExecutor
	log  *logrus.Entry
}

// NewSession opens a session with a fresh ID.
func (x *StoreExecutor) NewSession() *Session {
	id := uuid.NewString()
	return &Session{
		ID:   id,
		exec: x,
		log:  x.log.WithField("session_id", id),
	}
}

// Run validates the whole list, then executes it in order. It stops at the
// first failure and returns the results of the instructions that completed
// together with the error. Completed instructions are not rolled back.
//
// A started list runs to its end or to its first failing instruction:
// cancelling ctx does not interrupt it. ctx only carries values such as the
// trace span.
func (s *Session) Run(ctx context.Context, list []instruction.Instruction) ([]Result, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "provgraph.Session.Run",
		trace.WithAttributes(
			attribute.String("session.id", s.ID),
			attribute.Int("session.instructions", len(list)),
		),
	)
	defer span.End()

	activeSessions.Inc()
	defer activeSessions.Dec()

	start := time.Now()
	results, err := s.run(ctx, list)
	if err != nil {
		sessionsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.WithError(err).WithField("completed", len(results)).Warn("instruction list failed")
		return results, err
	}

	sessionsTotal.WithLabelValues("ok").Inc()
	span.SetStatus(codes.Ok, "")
	s.log.WithFields(logrus.Fields{
		"instructions": len(list),
		"elapsed":      time.Since(start),
	}).Debug("instruction list done")
	return results, nil
}

func (s *Session) run(ctx context.Context, list []instruction.Instruction) ([]Result, error) {
	if err := instruction.ValidateAll(list); err != nil {
		return nil, err
	}
	for idx, ins := range list {
		if err := s.exec.preflight(ins); err != nil {
			return nil, fmt.Errorf("instruction %d: %w", idx, err)
		}
	}

	results := make([]Result, 0, len(list))
	for idx, ins := range list {
		res, err := s.execute(ctx, idx, ins)
		if err != nil {
			return results, fmt.Errorf("instruction %d (%s): %w", idx, ins.Kind(), err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Session) execute(ctx context.Context, idx int, ins instruction.Instruction) (Result, error) {
	kind := string(ins.Kind())
	ctx, span := tracer.Start(ctx, kind,
		trace.WithAttributes(
			attribute.String("instruction.op", kind),
			attribute.Int("instruction.index", idx),
			attribute.String("session.id", s.ID),
		),
	)
	defer span.End()

	start := time.Now()
	res, err := s.exec.Dispatch(ctx, ins)
	observeInstruction(kind, start, err)
	res.Index = idx

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetStatus(codes.Ok, "")
	s.log.WithFields(logrus.Fields{
		"index":   idx,
		"op":      kind,
		"elapsed": time.Since(start),
	}).Trace("instruction done")
	return res, nil
}
