package app

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"fable/internal/observability"
	"fable/internal/session"
	"fable/internal/timeline"
)

// TimelineService reduces a session's conversation state to its display
// timeline, memoized by (session, revision).
type TimelineService struct {
	store   session.Store
	cache   *timeline.Cache
	metrics *observability.MetricsCollector
	tracer  *observability.TracerProvider
}

// NewTimelineService builds the service. cache may be nil to disable
// memoization; reduction is pure either way.
func NewTimelineService(store session.Store, cache *timeline.Cache, metrics *observability.MetricsCollector, tracer *observability.TracerProvider) *TimelineService {
	return &TimelineService{store: store, cache: cache, metrics: metrics, tracer: tracer}
}

// Timeline returns the session's reduced timeline and the revision it was
// computed at.
func (s *TimelineService) Timeline(ctx context.Context, sessionID string) ([]timeline.Item, uint64, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}

	ctx, span := s.tracer.StartSpan(ctx, observability.SpanTimelineReduce,
		attribute.String(observability.AttrSessionID, sessionID))
	defer span.End()
	_ = ctx

	start := time.Now()
	var items []timeline.Item
	if s.cache != nil {
		items = s.cache.Reduce(sess.ID, sess.Revision, sess.Messages, sess.DataEvents)
	} else {
		items = timeline.Reduce(sess.Messages, sess.DataEvents)
	}
	s.metrics.RecordReduce(time.Since(start), len(items))
	span.SetAttributes(attribute.Int(observability.AttrItemCount, len(items)))

	return items, sess.Revision, nil
}

// Forget drops cached timelines for a deleted session.
func (s *TimelineService) Forget(sessionID string) {
	if s.cache != nil {
		s.cache.Forget(sessionID)
	}
}
