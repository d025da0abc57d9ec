package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/util"
)

type fakeBackend struct {
	name    string
	healthy bool
	results []Result
	err     error
	calls   int
}

func (f *fakeBackend) Name() string  { return f.name }
func (f *fakeBackend) Healthy() bool { return f.healthy }
func (f *fakeBackend) Search(_ context.Context, _ Query) ([]Result, int, error) {
	f.calls++
	return f.results, len(f.results), f.err
}

type fakeIndexer struct {
	mu      sync.Mutex
	indexed []MessageRecord
	done    chan struct{}
}

func (f *fakeIndexer) IndexMessages(records []MessageRecord) error {
	f.mu.Lock()
	f.indexed = append(f.indexed, records...)
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
	return nil
}

type fakeLoader struct {
	records []MessageRecord
}

func (f fakeLoader) LoadAllRecords(context.Context) ([]MessageRecord, error) {
	return f.records, nil
}

func TestSearchUsesHealthyPrimary(t *testing.T) {
	primary := &fakeBackend{name: "meilisearch", healthy: true, results: []Result{{MessageID: "msg_1"}}}
	fallback := &fakeBackend{name: "postgres", healthy: true}
	svc := NewServiceWithBackends(primary, nil, fallback, nil, util.DiscardLogger())

	resp := svc.Search(context.Background(), Query{Text: " emissions "})
	if resp.Backend != "meilisearch" || resp.Total != 1 || resp.Query != "emissions" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if fallback.calls != 0 {
		t.Fatal("fallback must not be queried when primary succeeds")
	}
}

func TestSearchFallsBackOnPrimaryError(t *testing.T) {
	primary := &fakeBackend{name: "meilisearch", healthy: true, err: errors.New("boom")}
	fallback := &fakeBackend{name: "postgres", healthy: true, results: []Result{{MessageID: "msg_2"}}}
	svc := NewServiceWithBackends(primary, nil, fallback, nil, util.DiscardLogger())

	resp := svc.Search(context.Background(), Query{Text: "scope"})
	if resp.Backend != "postgres" || len(resp.Results) != 1 {
		t.Fatalf("expected fallback results, got %+v", resp)
	}
}

func TestSearchSkipsUnhealthyPrimary(t *testing.T) {
	primary := &fakeBackend{name: "meilisearch", healthy: false}
	fallback := &fakeBackend{name: "postgres", healthy: true}
	svc := NewServiceWithBackends(primary, nil, fallback, nil, util.DiscardLogger())

	resp := svc.Search(context.Background(), Query{Text: "scope"})
	if primary.calls != 0 {
		t.Fatal("unhealthy primary must not be queried")
	}
	if resp.Results == nil {
		t.Fatal("expected non-nil results slice")
	}
}

func TestSearchBlankQuery(t *testing.T) {
	fallback := &fakeBackend{name: "postgres", healthy: true}
	svc := NewServiceWithBackends(nil, nil, fallback, nil, util.DiscardLogger())
	if resp := svc.Search(context.Background(), Query{Text: "   "}); len(resp.Results) != 0 || fallback.calls != 0 {
		t.Fatalf("expected empty response without backend call, got %+v", resp)
	}
}

func TestIndexMessageIsAsync(t *testing.T) {
	indexer := &fakeIndexer{done: make(chan struct{}, 1)}
	primary := &fakeBackend{name: "meilisearch", healthy: true}
	svc := NewServiceWithBackends(primary, indexer, nil, nil, util.DiscardLogger())

	svc.IndexMessage(MessageRecord{ID: "msg_1", Content: "hello"})
	select {
	case <-indexer.done:
	case <-time.After(time.Second):
		t.Fatal("message was not indexed")
	}
	indexer.mu.Lock()
	defer indexer.mu.Unlock()
	if len(indexer.indexed) != 1 || indexer.indexed[0].ID != "msg_1" {
		t.Fatalf("unexpected indexed records: %+v", indexer.indexed)
	}
}

func TestReindexAllFromPG(t *testing.T) {
	indexer := &fakeIndexer{}
	primary := &fakeBackend{name: "meilisearch", healthy: true}
	loader := fakeLoader{records: []MessageRecord{{ID: "a"}, {ID: "b"}}}
	svc := NewServiceWithBackends(primary, indexer, nil, loader, util.DiscardLogger())

	svc.ReindexAllFromPG(context.Background())
	if len(indexer.indexed) != 2 {
		t.Fatalf("expected 2 reindexed records, got %d", len(indexer.indexed))
	}
}

func TestMeiliFilters(t *testing.T) {
	filters := meiliFilters(Query{StudyID: "std_1", Role: "user", TaskNumber: 2})
	want := []string{`studyId = "std_1"`, `role = "USER"`, "taskNumber = 2"}
	if len(filters) != len(want) {
		t.Fatalf("expected %v, got %v", want, filters)
	}
	for i := range want {
		if filters[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, filters)
		}
	}
}
