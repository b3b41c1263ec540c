package dialogue_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/dialogue"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/migrate"
	"crewline/internal/notify"
	"crewline/internal/render"
	"crewline/internal/repo"
)

const (
	adminID    int64 = 11
	workerID   int64 = 22
	newcomerID int64 = 33
)

type recordingSender struct {
	mu      sync.Mutex
	sent    []notify.OutboundMessage
	blocked map[int64]bool
}

func (s *recordingSender) Send(_ context.Context, msg notify.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocked[msg.Recipient] {
		return errors.New("bot was blocked by the user")
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) to(id int64) []notify.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.OutboundMessage
	for _, m := range s.sent {
		if m.Recipient == id {
			out = append(out, m)
		}
	}
	return out
}

func (s *recordingSender) last(t *testing.T, id int64) notify.OutboundMessage {
	t.Helper()
	msgs := s.to(id)
	require.NotEmpty(t, msgs, "no message for %d", id)
	return msgs[len(msgs)-1]
}

type harness struct {
	ctx     context.Context
	machine *dialogue.Machine
	engine  engine.Engine
	admins  *config.AdminSet
	sender  *recordingSender
	repo    repo.Repo
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "crewline.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	admins := config.NewAdminSet([]int64{adminID})
	eng := engine.New(conn, admins, nil, nil)
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	sender := &recordingSender{blocked: map[int64]bool{}}
	out := &notify.Dispatcher{Sender: sender, Renderer: render.Renderer{}, Concurrency: 2}
	m := dialogue.NewMachine(eng, dialogue.NewMemoryStore(), out, render.Renderer{}, nil, nil)

	h := &harness{ctx: ctx, machine: m, engine: eng, admins: admins, sender: sender, repo: eng.Repo}
	_, _, err = eng.RegisterUser(ctx, adminID, "ann", "Ann Admin")
	require.NoError(t, err)
	_, _, err = eng.RegisterUser(ctx, workerID, "will", "Will Worker")
	require.NoError(t, err)
	return h
}

func (h *harness) send(t *testing.T, id int64, kind dialogue.Kind, payload string) {
	t.Helper()
	require.NoError(t, h.machine.Handle(h.ctx, dialogue.Event{Sender: id, Kind: kind, Payload: payload}))
}

func (h *harness) state(t *testing.T, id int64) dialogue.State {
	t.Helper()
	s, err := h.machine.State(h.ctx, id)
	require.NoError(t, err)
	return s
}

func TestRegistrationDialogue(t *testing.T) {
	h := newHarness(t)

	h.send(t, newcomerID, dialogue.KindCommand, "/start")
	require.Equal(t, dialogue.AwaitingFullName{}, h.state(t, newcomerID))

	h.send(t, newcomerID, dialogue.KindText, "J")
	require.Equal(t, dialogue.AwaitingFullName{}, h.state(t, newcomerID))
	require.Contains(t, h.sender.last(t, newcomerID).Text, "at least 2")

	h.send(t, newcomerID, dialogue.KindText, "Jane Doe")
	require.Equal(t, dialogue.Idle{}, h.state(t, newcomerID))

	u, err := h.engine.Profile(h.ctx, newcomerID)
	require.NoError(t, err)
	require.Equal(t, "Jane Doe", u.FullName)
	require.Equal(t, domain.RoleWorker, u.Role)
	require.Equal(t, notify.MenuWorker, h.sender.last(t, newcomerID).Menu)
}

func TestRegistrationResolvesAdminRole(t *testing.T) {
	h := newHarness(t)
	h.admins.Replace([]int64{adminID, newcomerID})

	h.send(t, newcomerID, dialogue.KindCommand, "/start")
	h.send(t, newcomerID, dialogue.KindText, "Nora Boss")

	u, err := h.engine.Profile(h.ctx, newcomerID)
	require.NoError(t, err)
	require.Equal(t, domain.RoleAdmin, u.Role)
}

func TestUnregisteredGetsGuidance(t *testing.T) {
	h := newHarness(t)
	h.send(t, newcomerID, dialogue.KindText, "hello")
	require.Equal(t, dialogue.Idle{}, h.state(t, newcomerID))
	require.Contains(t, h.sender.last(t, newcomerID).Text, "/start")

	h.send(t, newcomerID, dialogue.KindCommand, "my_tasks")
	require.Equal(t, dialogue.Idle{}, h.state(t, newcomerID))
}

func TestAssignAndAcceptScenario(t *testing.T) {
	h := newHarness(t)

	h.send(t, adminID, dialogue.KindCommand, dialogue.CmdSendTask)
	require.Equal(t, dialogue.AwaitingWorkerSelection{}, h.state(t, adminID))
	picker := h.sender.last(t, adminID)
	require.Len(t, picker.Buttons, 1)
	require.Equal(t, dialogue.CallbackData(dialogue.ActionSelectWorker, workerID), picker.Buttons[0][0].Data)

	h.send(t, adminID, dialogue.KindCallback, picker.Buttons[0][0].Data)
	require.Equal(t, dialogue.AwaitingAdminTaskText{WorkerID: workerID, WorkerName: "Will Worker"}, h.state(t, adminID))

	h.send(t, adminID, dialogue.KindText, "Pour foundation slab")
	require.Equal(t, dialogue.Idle{}, h.state(t, adminID))

	tasks, err := h.repo.ListAdminTasks(h.ctx, repo.AdminTaskFilter{WorkerID: workerID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	require.Equal(t, domain.AdminTaskPending, task.Status)
	require.Equal(t, adminID, task.FromAdmin)
	require.Equal(t, "Pour foundation slab", task.Text)

	notice := h.sender.last(t, workerID)
	require.Equal(t, string(domain.NoticeTaskAssigned), notice.Kind)
	require.Contains(t, notice.Text, "Pour foundation slab")
	require.Contains(t, notice.Text, "#1")
	accept := notice.Buttons[0][0].Data
	require.Equal(t, dialogue.CallbackData(dialogue.ActionAcceptTask, task.ID), accept)

	h.send(t, workerID, dialogue.KindCallback, accept)
	got, err := h.repo.AdminTaskWithParticipants(h.ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AdminTaskAccepted, got.Status)

	confirmation := h.sender.last(t, adminID)
	require.Equal(t, string(domain.NoticeTaskAccepted), confirmation.Kind)
	require.Contains(t, confirmation.Text, "Will Worker")

	// A second tap reports the actual status and changes nothing.
	h.send(t, workerID, dialogue.KindCallback, accept)
	require.Contains(t, h.sender.last(t, workerID).Text, "already accepted")
}

func TestWorkerCommentDialogue(t *testing.T) {
	h := newHarness(t)
	view, _, err := h.engine.AssignTask(h.ctx, adminID, workerID, "Check scaffolding")
	require.NoError(t, err)

	h.send(t, workerID, dialogue.KindCallback, dialogue.CallbackData(dialogue.ActionCommentTask, view.ID))
	require.Equal(t, dialogue.AwaitingWorkerComment{TaskID: view.ID}, h.state(t, workerID))

	h.send(t, workerID, dialogue.KindText, "Need more bolts")
	require.Equal(t, dialogue.Idle{}, h.state(t, workerID))

	got, err := h.repo.AdminTaskWithParticipants(h.ctx, view.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AdminTaskCommented, got.Status)
	require.NotNil(t, got.WorkerComment)
	require.Equal(t, "Need more bolts", *got.WorkerComment)
	require.Contains(t, h.sender.last(t, adminID).Text, "Need more bolts")
}

func TestShortWorkerTaskKeepsState(t *testing.T) {
	h := newHarness(t)
	h.send(t, workerID, dialogue.KindCommand, dialogue.CmdCreateTask)
	require.Equal(t, dialogue.AwaitingWorkerTaskText{}, h.state(t, workerID))

	h.send(t, workerID, dialogue.KindText, "T")
	require.Equal(t, dialogue.AwaitingWorkerTaskText{}, h.state(t, workerID))
	items, err := h.repo.ListWorkerTasks(h.ctx, repo.WorkerTaskFilter{WorkerID: workerID})
	require.NoError(t, err)
	require.Empty(t, items)

	h.send(t, workerID, dialogue.KindText, "Order more cement")
	require.Equal(t, dialogue.Idle{}, h.state(t, workerID))
	items, err = h.repo.ListWorkerTasks(h.ctx, repo.WorkerTaskFilter{WorkerID: workerID})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, string(domain.NoticeRequestSubmitted), h.sender.last(t, adminID).Kind)
}

func TestValidationKeepsScratch(t *testing.T) {
	h := newHarness(t)
	h.send(t, adminID, dialogue.KindCommand, dialogue.CmdSendTask)
	h.send(t, adminID, dialogue.KindCallback, dialogue.CallbackData(dialogue.ActionSelectWorker, workerID))
	before := h.state(t, adminID)

	h.send(t, adminID, dialogue.KindText, "abc")
	require.Equal(t, before, h.state(t, adminID))
	tasks, err := h.repo.ListAdminTasks(h.ctx, repo.AdminTaskFilter{})
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestSelectingMissingWorkerAborts(t *testing.T) {
	h := newHarness(t)
	h.send(t, adminID, dialogue.KindCommand, dialogue.CmdSendTask)
	h.send(t, adminID, dialogue.KindCallback, dialogue.CallbackData(dialogue.ActionSelectWorker, 999))
	require.Equal(t, dialogue.Idle{}, h.state(t, adminID))
	require.Contains(t, h.sender.last(t, adminID).Text, "not found")

	// Selecting an admin is treated the same way.
	h.send(t, adminID, dialogue.KindCommand, dialogue.CmdSendTask)
	h.send(t, adminID, dialogue.KindCallback, dialogue.CallbackData(dialogue.ActionSelectWorker, adminID))
	require.Equal(t, dialogue.Idle{}, h.state(t, adminID))
}

func TestIdleTextGetsGuidance(t *testing.T) {
	h := newHarness(t)
	h.send(t, workerID, dialogue.KindText, "what now?")
	require.Equal(t, dialogue.Idle{}, h.state(t, workerID))
	require.Contains(t, h.sender.last(t, workerID).Text, "did not understand")
}

func TestUnexpectedInputInsideDialogue(t *testing.T) {
	h := newHarness(t)
	h.send(t, adminID, dialogue.KindCommand, dialogue.CmdSendTask)
	h.send(t, adminID, dialogue.KindText, "Will")
	require.Equal(t, dialogue.AwaitingWorkerSelection{}, h.state(t, adminID))
	require.Contains(t, h.sender.last(t, adminID).Text, "not expected")
}

func TestMenuCancelsDialogue(t *testing.T) {
	h := newHarness(t)
	h.send(t, adminID, dialogue.KindCommand, dialogue.CmdSendTask)
	h.send(t, adminID, dialogue.KindCallback, dialogue.CallbackData(dialogue.ActionSelectWorker, workerID))
	h.send(t, adminID, dialogue.KindCommand, "/menu")
	require.Equal(t, dialogue.Idle{}, h.state(t, adminID))
	require.Equal(t, notify.MenuAdmin, h.sender.last(t, adminID).Menu)

	tasks, err := h.repo.ListAdminTasks(h.ctx, repo.AdminTaskFilter{})
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestRoleCheckedAtActionTime(t *testing.T) {
	h := newHarness(t)
	h.send(t, workerID, dialogue.KindCommand, dialogue.CmdSendTask)
	require.Equal(t, dialogue.Idle{}, h.state(t, workerID))
	require.Contains(t, h.sender.last(t, workerID).Text, "Access denied")

	h.send(t, adminID, dialogue.KindCommand, dialogue.CmdSendTask)
	h.send(t, adminID, dialogue.KindCallback, dialogue.CallbackData(dialogue.ActionSelectWorker, workerID))
	h.admins.Replace(nil)

	h.send(t, adminID, dialogue.KindText, "Pour foundation slab")
	require.Equal(t, dialogue.Idle{}, h.state(t, adminID))
	require.Contains(t, h.sender.last(t, adminID).Text, "revoked")
	tasks, err := h.repo.ListAdminTasks(h.ctx, repo.AdminTaskFilter{})
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestRejectRequestDialogue(t *testing.T) {
	h := newHarness(t)
	req, _, err := h.engine.SubmitRequest(h.ctx, workerID, "Need a ladder")
	require.NoError(t, err)

	h.send(t, adminID, dialogue.KindCommand, dialogue.CmdPendingRequests)
	listing := h.sender.last(t, adminID)
	require.Contains(t, listing.Text, "Need a ladder")
	reject := listing.Buttons[0][1].Data
	require.Equal(t, dialogue.CallbackData(dialogue.ActionRejectTask, req.ID), reject)

	h.send(t, adminID, dialogue.KindCallback, reject)
	require.Equal(t, dialogue.AwaitingRejectionComment{TaskID: req.ID}, h.state(t, adminID))
	h.send(t, adminID, dialogue.KindText, "Use the one on site")
	require.Equal(t, dialogue.Idle{}, h.state(t, adminID))

	got, err := h.repo.WorkerTaskWithParticipants(h.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerTaskRejected, got.Status)
	require.Equal(t, "Ann Admin", got.ReviewerName)
	require.Contains(t, h.sender.last(t, workerID).Text, "Use the one on site")

	// Approving afterwards is refused.
	h.send(t, adminID, dialogue.KindCallback, dialogue.CallbackData(dialogue.ActionApproveTask, req.ID))
	require.Contains(t, h.sender.last(t, adminID).Text, "already rejected")
}

func TestUnreachableWorkerKeepsTask(t *testing.T) {
	h := newHarness(t)
	h.sender.blocked[workerID] = true

	h.send(t, adminID, dialogue.KindCommand, dialogue.CmdSendTask)
	h.send(t, adminID, dialogue.KindCallback, dialogue.CallbackData(dialogue.ActionSelectWorker, workerID))
	h.send(t, adminID, dialogue.KindText, "Pour foundation slab")

	tasks, err := h.repo.ListAdminTasks(h.ctx, repo.AdminTaskFilter{WorkerID: workerID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Contains(t, h.sender.last(t, adminID).Text, "could not be notified")
}

func TestListingsAndDirectory(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.engine.AssignTask(h.ctx, adminID, workerID, "First task text")
	require.NoError(t, err)
	_, _, err = h.engine.AssignTask(h.ctx, adminID, workerID, "Second task text")
	require.NoError(t, err)

	h.send(t, workerID, dialogue.KindCommand, dialogue.CmdMyTasks)
	inbox := h.sender.to(workerID)
	require.Len(t, inbox, 2)
	require.Contains(t, inbox[0].Text, "Second task text")

	h.send(t, adminID, dialogue.KindCommand, dialogue.CmdWorkers)
	dir := h.sender.last(t, adminID).Text
	require.Contains(t, dir, "Admins: 1")
	require.Contains(t, dir, "Workers: 1")

	h.send(t, adminID, dialogue.KindCommand, dialogue.CmdAllTasks)
	require.Contains(t, h.sender.last(t, adminID).Text, "Latest 2 tasks")

	h.send(t, workerID, dialogue.KindCommand, dialogue.CmdMyRequests)
	require.Contains(t, h.sender.last(t, workerID).Text, "not submitted")
}

func TestHandleRejectsMissingSender(t *testing.T) {
	h := newHarness(t)
	require.Error(t, h.machine.Handle(h.ctx, dialogue.Event{Kind: dialogue.KindText, Payload: "x"}))
}

type recordingHandler struct {
	mu     sync.Mutex
	seen   map[int64][]string
	active map[int64]int
	overlapped  bool
}

func (r *recordingHandler) Handle(_ context.Context, ev dialogue.Event) error {
	r.mu.Lock()
	r.active[ev.Sender]++
	if r.active[ev.Sender] > 1 {
		r.overlapped = true
	}
	r.mu.Unlock()

	time.Sleep(time.Millisecond)

	r.mu.Lock()
	r.active[ev.Sender]--
	r.seen[ev.Sender] = append(r.seen[ev.Sender], ev.Payload)
	r.mu.Unlock()
	return nil
}

func TestMailboxKeepsPerIdentityOrder(t *testing.T) {
	h := &recordingHandler{seen: map[int64][]string{}, active: map[int64]int{}}
	mb := dialogue.NewMailbox(h, nil)
	var want []string
	for i := 0; i < 20; i++ {
		p := strings.Repeat("x", i+1)
		want = append(want, p)
		mb.Post(context.Background(), dialogue.Event{Sender: 1, Payload: p})
		mb.Post(context.Background(), dialogue.Event{Sender: 2, Payload: p})
	}
	mb.Wait()

	require.False(t, h.overlapped)
	require.Equal(t, want, h.seen[1])
	require.Equal(t, want, h.seen[2])
}

func TestMailboxReportsErrors(t *testing.T) {
	var (
		mu     sync.Mutex
		failed []dialogue.Event
	)
	mb := dialogue.NewMailbox(failingHandler{}, func(ev dialogue.Event, err error) {
		mu.Lock()
		failed = append(failed, ev)
		mu.Unlock()
	})
	mb.Post(context.Background(), dialogue.Event{Sender: 5, Payload: "a"})
	mb.Wait()
	require.Len(t, failed, 1)
}

type failingHandler struct{}

func (failingHandler) Handle(context.Context, dialogue.Event) error { return errors.New("nope") }

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := dialogue.NewKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.Lock(7)
			counter++
			k.Unlock(7)
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
	require.Zero(t, k.Len())
}

func TestConcurrentAcceptTapsFromOneWorker(t *testing.T) {
	h := newHarness(t)
	view, _, err := h.engine.AssignTask(h.ctx, adminID, workerID, "Inspect rebar")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.machine.Handle(h.ctx, dialogue.Event{
				Sender:  workerID,
				Kind:    dialogue.KindCallback,
				Payload: dialogue.CallbackData(dialogue.ActionAcceptTask, view.ID),
			})
		}()
	}
	wg.Wait()

	accepted := 0
	for _, m := range h.sender.to(adminID) {
		if m.Kind == string(domain.NoticeTaskAccepted) {
			accepted++
		}
	}
	require.Equal(t, 1, accepted)
}

func TestParseCallback(t *testing.T) {
	action, id, err := dialogue.ParseCallback("accept_task:42")
	require.NoError(t, err)
	require.Equal(t, dialogue.ActionAcceptTask, action)
	require.EqualValues(t, 42, id)

	for _, bad := range []string{"", "accept_task", ":4", "accept_task:x", "accept_task:-1"} {
		_, _, err := dialogue.ParseCallback(bad)
		require.Error(t, err, bad)
	}
	require.Equal(t, "start", dialogue.CommandName("/Start@CrewBot now"))
}
