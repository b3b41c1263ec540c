package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/repo"
	"crewline/internal/server"
)

type bridgeMessage struct {
	Recipient int64  `json:"recipient"`
	Text      string `json:"text"`
	Kind      string `json:"kind"`
}

type bridge struct {
	mu   sync.Mutex
	msgs []bridgeMessage
}

func (b *bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var m bridgeMessage
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (b *bridge) kinds(recipient int64) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.msgs {
		if m.Recipient == recipient && m.Kind != "" {
			out = append(out, m.Kind)
		}
	}
	return out
}

func webhookConfig(t *testing.T, url string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Bot.Transport = config.TransportWebhook
	cfg.Bot.WebhookURL = url
	cfg.Storage.Path = filepath.Join(t.TempDir(), "data", "crewline.db")
	cfg.Admins = []int64{1}
	cfg.HTTP.JWTSecret = "app-secret"
	cfg.Notify.RatePerSecond = 1000
	return cfg
}

func TestWebhookTransportEndToEnd(t *testing.T) {
	br := &bridge{}
	bridgeSrv := httptest.NewServer(br)
	t.Cleanup(bridgeSrv.Close)

	ctx := context.Background()
	a, err := Open(ctx, webhookConfig(t, bridgeSrv.URL), nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Connect())
	require.Nil(t, a.Bot)

	_, _, err = a.Engine.RegisterUser(ctx, 1, "ann", "Ann Admin")
	require.NoError(t, err)
	_, _, err = a.Engine.RegisterUser(ctx, 2, "will", "Will Worker")
	require.NoError(t, err)

	handler, err := a.Handler()
	require.NoError(t, err)
	api := httptest.NewServer(handler)
	t.Cleanup(api.Close)
	token, err := server.SignToken("app-secret", 1, 0)
	require.NoError(t, err)

	post := func(kind, payload string) {
		body, _ := json.Marshal(map[string]string{"kind": kind, "payload": payload})
		req, err := http.NewRequest(http.MethodPost, api.URL+"/v0/events", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		res, err := api.Client().Do(req)
		require.NoError(t, err)
		res.Body.Close()
		require.Equal(t, http.StatusAccepted, res.StatusCode)
	}
	post("command", "send_task")
	post("callback", "select_worker:2")
	post("text", "Pour foundation slab")
	a.Mailbox.Wait()

	require.Equal(t, []string{string(domain.NoticeTaskAssigned)}, br.kinds(2))

	tasks, err := a.Engine.Repo.ListAdminTasks(ctx, repo.AdminTaskFilter{WorkerID: 2})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "Pour foundation slab", tasks[0].Text)

	journal, err := a.Engine.Repo.ListNotifications(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, journal, 1)
	require.True(t, journal[0].Delivered)
}

func TestConnectRejectsUnknownTransport(t *testing.T) {
	cfg := webhookConfig(t, "http://127.0.0.1:1")
	cfg.Bot.Transport = "carrier-pigeon"
	a, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	require.ErrorContains(t, a.Connect(), "unknown transport")
}

func TestOpenCarriesRegistrationPolicy(t *testing.T) {
	cfg := webhookConfig(t, "http://127.0.0.1:1")
	cfg.Registration.RequireSurname = true
	a, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	require.True(t, a.Engine.RequireSurname)
	require.True(t, a.Admins.IsAdmin(1))
}
