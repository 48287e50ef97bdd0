package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "goa.design/lexia/features/usage/mongo/clients/mongo"
	"goa.design/lexia/runtime/stream"
)

type (
	// Recorder implements session.UsageRecorder by delegating to the
	// Mongo client.
	Recorder struct {
		client clientsmongo.Client
	}

	// Totals aggregates a response's recorded usage.
	Totals struct {
		// TokensByKind sums tokens per usage kind.
		TokensByKind map[string]int
		// Cost sums the recorded cost across all entries.
		Cost float64
	}
)

// NewRecorder builds a Recorder using the provided client.
func NewRecorder(client clientsmongo.Client) (*Recorder, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Recorder{client: client}, nil
}

// Record persists one usage report.
func (r *Recorder) Record(ctx context.Context, responseID string, usage stream.UsagePayload) error {
	return r.client.InsertUsage(ctx, clientsmongo.Record{
		ResponseID: responseID,
		Kind:       usage.Kind,
		Tokens:     usage.Tokens,
		Cost:       usage.Cost,
		Label:      usage.Label,
		RecordedAt: time.Now().UTC(),
	})
}

// TotalsByResponse aggregates all usage recorded for a response.
func (r *Recorder) TotalsByResponse(ctx context.Context, responseID string) (Totals, error) {
	recs, err := r.client.ListByResponse(ctx, responseID)
	if err != nil {
		return Totals{}, err
	}
	totals := Totals{TokensByKind: make(map[string]int, 2)}
	for _, rec := range recs {
		totals.TokensByKind[rec.Kind] += rec.Tokens
		totals.Cost += rec.Cost
	}
	return totals, nil
}
