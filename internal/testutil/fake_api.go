package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/quota-fetch/pkg/remote"
	"github.com/Sternrassler/quota-fetch/pkg/record"
)

// FakeHandler produces the page for one call.
type FakeHandler func(params remote.Params, token string) (remote.Page, error)

// FakeAPI is a scripted in-memory remote.Client. Errors queued for a key are
// returned before the handler is consulted.
type FakeAPI struct {
	handler FakeHandler

	// Latency is a real-time delay applied to every call.
	Latency time.Duration

	// OnCall, when set, runs at the start of every call.
	OnCall func(params remote.Params, token string)

	mu          sync.Mutex
	queued      map[string][]error
	calls       map[string]int
	total       int
	inFlight    int
	maxInFlight int
	gate        chan struct{}
}

var _ remote.Client = (*FakeAPI)(nil)

// NewFakeAPI creates a fake client answering with handler.
func NewFakeAPI(handler FakeHandler) *FakeAPI {
	return &FakeAPI{
		handler: handler,
		queued:  make(map[string][]error),
		calls:   make(map[string]int),
	}
}

// CallKey identifies a call for scripting and counting.
func CallKey(params remote.Params, token string) string {
	if params.Kind == record.KindProfiles {
		return fmt.Sprintf("profiles|%s|%s", params.Where, token)
	}
	return fmt.Sprintf("events|%s|%s", params.From.Format(remote.DateLayout), params.To.Format(remote.DateLayout))
}

// EventsKey is CallKey for an event chunk spanning from..to ("2006-01-02").
func EventsKey(from, to string) string {
	return fmt.Sprintf("events|%s|%s", from, to)
}

// QueueErrors makes the next len(errs) calls for key fail in order.
func (f *FakeAPI) QueueErrors(key string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[key] = append(f.queued[key], errs...)
}

// Hold makes every call block until the returned release func is called.
func (f *FakeAPI) Hold() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gate = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// FetchPage implements remote.Client.
func (f *FakeAPI) FetchPage(ctx context.Context, params remote.Params, token string) (remote.Page, error) {
	key := CallKey(params, token)

	f.mu.Lock()
	f.total++
	f.calls[key]++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	var queued error
	if errs := f.queued[key]; len(errs) > 0 {
		queued = errs[0]
		f.queued[key] = errs[1:]
	}
	gate := f.gate
	onCall := f.OnCall
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if onCall != nil {
		onCall(params, token)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return remote.Page{}, ctx.Err()
		}
	}
	if f.Latency > 0 {
		select {
		case <-time.After(f.Latency):
		case <-ctx.Done():
			return remote.Page{}, ctx.Err()
		}
	}

	if queued != nil {
		return remote.Page{}, queued
	}
	if f.handler == nil {
		return remote.Page{}, nil
	}
	return f.handler(params, token)
}

// Calls returns how many calls were made for key.
func (f *FakeAPI) Calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

// TotalCalls returns the number of calls made.
func (f *FakeAPI) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

// MaxInFlight returns the highest number of concurrent calls observed.
func (f *FakeAPI) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// Dataset maps a day ("2006-01-02") to the events recorded that day.
type Dataset map[string][]record.Record

// Handler serves every event whose day falls inside the requested range.
// Adjacent chunks sharing a boundary day both receive that day's events.
func (d Dataset) Handler() FakeHandler {
	return func(params remote.Params, _ string) (remote.Page, error) {
		if params.Kind != record.KindEvents {
			return remote.Page{}, &remote.BadRequestError{StatusCode: 400, Message: "events only"}
		}
		days := make([]string, 0, len(d))
		for day := range d {
			days = append(days, day)
		}
		sort.Strings(days)

		from := params.From.Format(remote.DateLayout)
		to := params.To.Format(remote.DateLayout)
		var page remote.Page
		for _, day := range days {
			if day >= from && day <= to {
				page.Records = append(page.Records, d[day]...)
			}
		}
		return page, nil
	}
}

// Keys returns every identity key in the dataset.
func (d Dataset) Keys() map[string]bool {
	keys := make(map[string]bool)
	for _, recs := range d {
		for _, r := range recs {
			keys[r.Key] = true
		}
	}
	return keys
}

// NewDataset builds perDay events for each day from start through start+days-1.
func NewDataset(start time.Time, days, perDay int) Dataset {
	d := make(Dataset, days)
	for i := 0; i < days; i++ {
		day := start.AddDate(0, 0, i)
		name := day.Format(remote.DateLayout)
		for j := 0; j < perDay; j++ {
			ts := day.Add(time.Duration(j) * time.Minute)
			d[name] = append(d[name], record.NewEvent("Page View", map[string]any{
				record.PropInsertID:   fmt.Sprintf("%s-%03d", name, j),
				record.PropDistinctID: fmt.Sprintf("user-%d", j%7),
				record.PropTime:       float64(ts.Unix()),
				"path":                fmt.Sprintf("/p/%d", j),
			}))
		}
	}
	return d
}
