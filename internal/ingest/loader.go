package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/t77yq/hubwatch/internal/model"
)

// Loader fetches the full current contents of one collection
type Loader[T model.Record] struct {
	fetcher    Fetcher
	collection string
}

// NewLoader creates a loader for the named collection
func NewLoader[T model.Record](fetcher Fetcher, collection string) *Loader[T] {
	return &Loader[T]{fetcher: fetcher, collection: collection}
}

// FetchAll returns every record of the collection in server order.
// Either all records decode or a *FetchError is returned and nothing is.
func (l *Loader[T]) FetchAll(ctx context.Context) ([]T, error) {
	raw, err := l.fetcher.FetchAll(ctx, l.collection)
	if err != nil {
		return nil, &FetchError{Collection: l.collection, Err: err}
	}

	records := make([]T, 0, len(raw))
	for i, data := range raw {
		var record T
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, &FetchError{
				Collection: l.collection,
				Err:        fmt.Errorf("failed to unmarshal record %d: %w", i, err),
			}
		}
		if record.GetID() == "" {
			return nil, &FetchError{
				Collection: l.collection,
				Err:        fmt.Errorf("record %d: %w", i, model.ErrMissingID),
			}
		}
		records = append(records, record)
	}
	return records, nil
}
