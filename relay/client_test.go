package relay_test

import (
	"context"
	"encoding/json"
	"feedsync/models"
	"feedsync/relay"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRelay answers subscriptions from a fixed set of records
type fakeRelay struct {
	records []models.RawRecord
	// closed rejects every subscription with this reason
	closed string
	// stall never signals the end of stored events
	stall bool

	server   *httptest.Server
	mu       sync.Mutex
	requests []models.Filter
}

func newFakeRelay(t *testing.T, records ...models.RawRecord) *fakeRelay {
	return startRelay(t, &fakeRelay{records: records})
}

func startRelay(t *testing.T, r *fakeRelay) *fakeRelay {
	r.server = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.server.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *fakeRelay) filters() []models.Filter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.requests)
}

func (r *fakeRelay) handle(w http.ResponseWriter, req *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var parts []json.RawMessage
		if json.Unmarshal(data, &parts) != nil || len(parts) < 2 {
			continue
		}
		var label, subId string
		json.Unmarshal(parts[0], &label)
		json.Unmarshal(parts[1], &subId)
		if label != "REQ" || len(parts) < 3 {
			continue
		}

		var filter models.Filter
		json.Unmarshal(parts[2], &filter)
		r.mu.Lock()
		r.requests = append(r.requests, filter)
		r.mu.Unlock()

		if r.closed != "" {
			conn.WriteJSON([]interface{}{"CLOSED", subId, r.closed})
			continue
		}

		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteJSON([]interface{}{"NOTICE", "hello"})
		conn.WriteJSON([]interface{}{"EVENT", "other-subscription", models.RawRecord{Id: "foreign"}})

		sent := 0
		for _, record := range r.records {
			if filter.Limit > 0 && sent >= filter.Limit {
				break
			}
			if len(filter.Kinds) > 0 && !slices.Contains(filter.Kinds, record.Kind) {
				continue
			}
			if len(filter.Authors) > 0 && !slices.Contains(filter.Authors, record.AuthorId) {
				continue
			}
			conn.WriteJSON([]interface{}{"EVENT", subId, record})
			sent++
		}

		if !r.stall {
			conn.WriteJSON([]interface{}{"EOSE", subId})
		}
	}
}

func note(id string, author string, createdAt int64) models.RawRecord {
	return models.RawRecord{
		Id:        id,
		AuthorId:  author,
		CreatedAt: createdAt,
		Kind:      models.KindNote,
		Tags:      []models.Tag{},
		Content:   "note " + id,
	}
}

func newClient(t *testing.T, hosts ...string) *relay.Client {
	client, err := relay.NewClient(relay.Config{
		Hosts:          hosts,
		UserAgent:      "feedsync-test",
		DialTimeout:    time.Second,
		QueryTimeout:   2 * time.Second,
		MaxDialElapsed: 300 * time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func ids(records []models.RawRecord) []string {
	result := make([]string, len(records))
	for i, r := range records {
		result[i] = r.Id
	}
	slices.Sort(result)
	return result
}

func TestNewClientRequiresHosts(t *testing.T) {
	_, err := relay.NewClient(relay.Config{})
	assert.Error(t, err)
}

func TestQueryRecords(t *testing.T) {
	r := newFakeRelay(t, note("a", "alice", 1), note("b", "bob", 2), note("c", "carol", 3))
	client := newClient(t, r.url())

	since := int64(1)
	filter := models.Filter{Kinds: []int{models.KindNote}, Authors: []string{"alice", "bob"}, Since: &since, Limit: 50}
	records, err := client.QueryRecords(context.Background(), filter)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(records))

	require.Len(t, r.filters(), 1)
	assert.Equal(t, filter, r.filters()[0])
}

func TestQueryRecordsEmpty(t *testing.T) {
	r := newFakeRelay(t)
	client := newClient(t, r.url())

	records, err := client.QueryRecords(context.Background(), models.Filter{Authors: []string{"nobody"}})
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestQueryRecordsDeduplicatesAcrossRelays(t *testing.T) {
	first := newFakeRelay(t, note("a", "alice", 1), note("b", "alice", 2))
	second := newFakeRelay(t, note("b", "alice", 2), note("c", "alice", 3))
	client := newClient(t, first.url(), second.url())

	records, err := client.QueryRecords(context.Background(), models.Filter{Authors: []string{"alice"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(records))
}

func TestQueryRecordsLimitAcrossRelays(t *testing.T) {
	first := newFakeRelay(t, note("a", "alice", 1), note("b", "alice", 2))
	second := newFakeRelay(t, note("c", "alice", 3), note("d", "alice", 4))
	client := newClient(t, first.url(), second.url())

	for _, limit := range []int{1, 2, 3} {
		records, err := client.QueryRecords(context.Background(), models.Filter{Authors: []string{"alice"}, Limit: limit})
		require.NoError(t, err)
		assert.Len(t, records, limit)
		assert.Len(t, slices.Compact(ids(records)), limit, "records are distinct")
	}

	records, err := client.QueryRecords(context.Background(), models.Filter{Authors: []string{"alice"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(records), "no limit returns everything")
}

func TestQueryRecordsFailover(t *testing.T) {
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer rejecting.Close()

	tests := []struct {
		name    string
		hosts   func(good string) []string
		wantErr bool
	}{
		{
			name:  "unreachable host is skipped",
			hosts: func(good string) []string { return []string{"ws://127.0.0.1:1", good} },
		},
		{
			name:  "rejected handshake is skipped",
			hosts: func(good string) []string { return []string{"ws" + strings.TrimPrefix(rejecting.URL, "http"), good} },
		},
		{
			name:    "every host failing is an error",
			hosts:   func(string) []string { return []string{"ws://127.0.0.1:1"} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			good := newFakeRelay(t, note("a", "alice", 1))
			client := newClient(t, tt.hosts(good.url())...)

			records, err := client.QueryRecords(context.Background(), models.Filter{})
			if tt.wantErr {
				assert.ErrorContains(t, err, "all relays failed")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"a"}, ids(records))
		})
	}
}

func TestQueryRecordsClosedSubscription(t *testing.T) {
	r := startRelay(t, &fakeRelay{records: []models.RawRecord{note("a", "alice", 1)}, closed: "rate-limited: slow down"})
	client := newClient(t, r.url())

	_, err := client.QueryRecords(context.Background(), models.Filter{})
	assert.ErrorContains(t, err, "rate-limited")
}

func TestQueryRecordsTimeout(t *testing.T) {
	r := startRelay(t, &fakeRelay{records: []models.RawRecord{note("a", "alice", 1)}, stall: true})
	client, err := relay.NewClient(relay.Config{
		Hosts:        []string{r.url()},
		QueryTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = client.QueryRecords(context.Background(), models.Filter{})
	assert.ErrorContains(t, err, "timed out")
}

func TestStreamRecordsCancellation(t *testing.T) {
	r := startRelay(t, &fakeRelay{records: []models.RawRecord{note("a", "alice", 1), note("b", "alice", 2)}, stall: true})
	client := newClient(t, r.url())

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan models.RawRecord)
	done := make(chan error, 1)
	go func() {
		done <- client.StreamRecords(ctx, models.Filter{}, out)
	}()

	first := <-out
	assert.Equal(t, "a", first.Id)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancellation")
	}
}
