package observe

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/helpsync/internal/helpsync"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type fakeSource struct {
	mu     sync.Mutex
	chans  []chan helpsync.Snapshot
	closed int
}

func (s *fakeSource) Subscribe(buffer int) (<-chan helpsync.Snapshot, func()) {
	ch := make(chan helpsync.Snapshot, buffer)
	ch <- helpsync.Snapshot{Version: 1, Requests: []helpsync.HelpRequest{{ID: "1", Title: "Groceries", IsActive: true}}}
	s.mu.Lock()
	s.chans = append(s.chans, ch)
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		s.closed++
		s.mu.Unlock()
	}
}

func (s *fakeSource) publish(snap helpsync.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.chans {
		ch <- snap
	}
}

func (s *fakeSource) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chans)
}

func (s *fakeSource) cancelled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(url, "http"), nil)
	require.NoError(t, err)
	return conn
}

func TestHubStreamsSnapshots(t *testing.T) {
	source := &fakeSource{}
	hub := NewHub(source, HubOptions{})
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dial(t, server.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var first Message
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	require.Equal(t, uint64(1), first.Version)
	require.Equal(t, 1, first.Active)
	require.Len(t, first.Requests, 1)
	require.Equal(t, "Groceries", first.Requests[0].Title)
	require.Equal(t, 1, hub.Clients())

	rating := 5
	helper := "Alex"
	source.publish(helpsync.Snapshot{
		Version:  2,
		Requests: []helpsync.HelpRequest{{ID: "1", Title: "Groceries", HelperName: &helper, Rating: &rating}},
		Err:      errors.New("list requests: http 503"),
	})
	var second Message
	require.NoError(t, wsjson.Read(ctx, conn, &second))
	require.Equal(t, uint64(2), second.Version)
	require.Equal(t, 0, second.Active)
	require.Equal(t, 1, second.Finished)
	require.Equal(t, "list requests: http 503", second.Error)
}

func TestHubUnsubscribesWhenClientLeaves(t *testing.T) {
	source := &fakeSource{}
	hub := NewHub(source, HubOptions{})
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dial(t, server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg Message
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	require.Equal(t, 1, source.subscribers())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool {
		return source.cancelled() == 1 && hub.Clients() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewMessageNeverSendsNullRequests(t *testing.T) {
	msg := NewMessage(helpsync.Snapshot{Version: 3})
	require.NotNil(t, msg.Requests)
	require.Empty(t, msg.Requests)
	require.Empty(t, msg.Error)
}
