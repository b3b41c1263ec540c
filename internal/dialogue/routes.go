package dialogue

import (
	"context"
	"strings"

	"crewline/internal/domain"
	"crewline/internal/engine"
)

// route is one row of the dispatch table. Empty step or kind match anything.
// A non-empty role is re-checked against the directory before handle runs.
// handle returns the next state; nil keeps the current one.
type route struct {
	name   string
	step   Step
	kind   Kind
	match  func(t *turn) bool
	role   domain.Role
	handle func(ctx context.Context, t *turn) State
}

func (m *Machine) routeTable() []route {
	return []route{
		{name: "start", kind: KindCommand, match: command(CmdStart), handle: m.start},
		{name: "register", step: StepAwaitingFullName, kind: KindText, match: unregistered, handle: m.register},
		{name: "unregistered", match: unregistered, handle: m.unregistered},

		{name: "help", kind: KindCommand, match: command(CmdHelp), handle: m.help},
		{name: "profile", kind: KindCommand, match: command(CmdProfile), handle: m.profile},
		{name: "menu", kind: KindCommand, match: command(CmdMenu), handle: m.menu},

		{name: "workers", kind: KindCommand, match: command(CmdWorkers), role: domain.RoleAdmin, handle: m.directory},
		{name: "send_task", kind: KindCommand, match: command(CmdSendTask), role: domain.RoleAdmin, handle: m.sendTask},
		{name: "pending_requests", kind: KindCommand, match: command(CmdPendingRequests), role: domain.RoleAdmin, handle: m.pendingRequests},
		{name: "all_tasks", kind: KindCommand, match: command(CmdAllTasks), role: domain.RoleAdmin, handle: m.allTasks},
		{name: "my_tasks", kind: KindCommand, match: command(CmdMyTasks), role: domain.RoleWorker, handle: m.myTasks},
		{name: "create_task", kind: KindCommand, match: command(CmdCreateTask), role: domain.RoleWorker, handle: m.createTask},
		{name: "my_requests", kind: KindCommand, match: command(CmdMyRequests), role: domain.RoleWorker, handle: m.myRequests},

		{name: "select_worker", step: StepAwaitingWorkerSelection, kind: KindCallback, match: action(ActionSelectWorker), role: domain.RoleAdmin, handle: m.selectWorker},
		{name: "accept_task", kind: KindCallback, match: action(ActionAcceptTask), role: domain.RoleWorker, handle: m.acceptTask},
		{name: "comment_task", kind: KindCallback, match: action(ActionCommentTask), role: domain.RoleWorker, handle: m.commentTask},
		{name: "approve_task", kind: KindCallback, match: action(ActionApproveTask), role: domain.RoleAdmin, handle: m.approveTask},
		{name: "reject_task", kind: KindCallback, match: action(ActionRejectTask), role: domain.RoleAdmin, handle: m.rejectTask},

		{name: "admin_task_text", step: StepAwaitingAdminTaskText, kind: KindText, handle: m.assignTask},
		{name: "rejection_comment", step: StepAwaitingRejectionComment, kind: KindText, handle: m.rejectionComment},
		{name: "worker_task_text", step: StepAwaitingWorkerTaskText, kind: KindText, handle: m.submitRequest},
		{name: "worker_comment", step: StepAwaitingWorkerComment, kind: KindText, handle: m.workerComment},

		{name: "guidance", handle: m.guidance},
	}
}

// resolve returns the first matching route. The table ends with a catch-all.
func (m *Machine) resolve(t *turn) route {
	for _, r := range m.routes {
		if r.step != "" && r.step != t.state.Step() {
			continue
		}
		if r.kind != "" && r.kind != t.ev.Kind {
			continue
		}
		if r.match != nil && !r.match(t) {
			continue
		}
		return r
	}
	return route{name: "guidance", handle: m.guidance}
}

func command(name string) func(t *turn) bool {
	return func(t *turn) bool { return CommandName(t.ev.Payload) == name }
}

func action(name string) func(t *turn) bool {
	return func(t *turn) bool {
		a, _, err := ParseCallback(t.ev.Payload)
		return err == nil && a == name
	}
}

func unregistered(t *turn) bool { return t.user == nil }

func callbackID(t *turn) int64 {
	_, id, _ := ParseCallback(t.ev.Payload)
	return id
}

// failAction handles errors outside terminal steps: a vanished entity ends
// the dialogue, anything else leaves it where it was.
func (m *Machine) failAction(ctx context.Context, t *turn, err error) State {
	m.logFailure(t, err)
	m.reply(ctx, t, m.Present.Failure(err))
	if isNotFound(err) {
		return Idle{}
	}
	return nil
}

// failTerminal handles errors in a collect-then-act step: invalid input
// re-prompts in place, every other failure ends the dialogue.
func (m *Machine) failTerminal(ctx context.Context, t *turn, err error) State {
	if isValidation(err) {
		m.reply(ctx, t, m.Present.Invalid(t.state, err))
		return t.state
	}
	m.logFailure(t, err)
	m.reply(ctx, t, m.Present.Failure(err))
	return Idle{}
}

// confirm delivers the notices of a committed transition and tells the actor.
func (m *Machine) confirm(ctx context.Context, t *turn, notices []domain.Notice) {
	undelivered := m.notify(ctx, notices)
	if len(notices) > 0 {
		m.reply(ctx, t, m.Present.Confirmation(notices[0], undelivered))
	}
}

func (m *Machine) start(ctx context.Context, t *turn) State {
	if t.user != nil {
		m.reply(ctx, t, m.Present.MainMenu(*t.user))
		return Idle{}
	}
	m.reply(ctx, t, m.Present.AskFullName(strings.TrimSpace(t.ev.DisplayName)))
	return AwaitingFullName{}
}

func (m *Machine) register(ctx context.Context, t *turn) State {
	u, _, err := m.Tasks.RegisterUser(ctx, t.ev.Sender, t.ev.Username, t.ev.Payload)
	if err != nil {
		return m.failTerminal(ctx, t, err)
	}
	m.reply(ctx, t, m.Present.Registered(u))
	return Idle{}
}

func (m *Machine) unregistered(ctx context.Context, t *turn) State {
	m.reply(ctx, t, m.Present.Guidance(t.state, false))
	return nil
}

func (m *Machine) help(ctx context.Context, t *turn) State {
	m.reply(ctx, t, m.Present.Help(t.user.Role))
	return Idle{}
}

func (m *Machine) profile(ctx context.Context, t *turn) State {
	m.reply(ctx, t, m.Present.Profile(*t.user))
	return Idle{}
}

func (m *Machine) menu(ctx context.Context, t *turn) State {
	m.reply(ctx, t, m.Present.MainMenu(*t.user))
	return Idle{}
}

func (m *Machine) directory(ctx context.Context, t *turn) State {
	d, err := m.Tasks.Directory(ctx, t.ev.Sender)
	if err != nil {
		return m.failAction(ctx, t, err)
	}
	m.reply(ctx, t, m.Present.Directory(d))
	return Idle{}
}

func (m *Machine) sendTask(ctx context.Context, t *turn) State {
	workers, err := m.Tasks.Workers(ctx, t.ev.Sender)
	if err != nil {
		return m.failAction(ctx, t, err)
	}
	m.reply(ctx, t, m.Present.WorkerPicker(workers))
	if len(workers) == 0 {
		return Idle{}
	}
	return AwaitingWorkerSelection{}
}

func (m *Machine) pendingRequests(ctx context.Context, t *turn) State {
	items, err := m.Tasks.PendingRequests(ctx, t.ev.Sender)
	if err != nil {
		return m.failAction(ctx, t, err)
	}
	m.replyAll(ctx, t, m.Present.PendingRequests(items))
	return Idle{}
}

func (m *Machine) allTasks(ctx context.Context, t *turn) State {
	items, err := m.Tasks.RecentTasks(ctx, t.ev.Sender)
	if err != nil {
		return m.failAction(ctx, t, err)
	}
	m.reply(ctx, t, m.Present.RecentTasks(items))
	return Idle{}
}

func (m *Machine) myTasks(ctx context.Context, t *turn) State {
	items, err := m.Tasks.Inbox(ctx, t.ev.Sender)
	if err != nil {
		return m.failAction(ctx, t, err)
	}
	m.replyAll(ctx, t, m.Present.Inbox(items))
	return Idle{}
}

func (m *Machine) createTask(ctx context.Context, t *turn) State {
	next := AwaitingWorkerTaskText{}
	m.reply(ctx, t, m.Present.Prompt(next))
	return next
}

func (m *Machine) myRequests(ctx context.Context, t *turn) State {
	items, err := m.Tasks.MyRequests(ctx, t.ev.Sender)
	if err != nil {
		return m.failAction(ctx, t, err)
	}
	m.reply(ctx, t, m.Present.MyRequests(items))
	return Idle{}
}

func (m *Machine) selectWorker(ctx context.Context, t *turn) State {
	id := callbackID(t)
	w, err := m.Tasks.Profile(ctx, id)
	if err == nil && w.Role != domain.RoleWorker {
		err = engine.NotFoundError{Kind: "worker", ID: id}
	}
	if err != nil {
		m.logFailure(t, err)
		m.reply(ctx, t, m.Present.Failure(err))
		return Idle{}
	}
	next := AwaitingAdminTaskText{WorkerID: w.ID, WorkerName: w.FullName}
	m.reply(ctx, t, m.Present.Prompt(next))
	return next
}

func (m *Machine) acceptTask(ctx context.Context, t *turn) State {
	_, notices, err := m.Tasks.AcceptTask(ctx, t.ev.Sender, callbackID(t))
	if err != nil {
		return m.failAction(ctx, t, err)
	}
	m.confirm(ctx, t, notices)
	return nil
}

func (m *Machine) commentTask(ctx context.Context, t *turn) State {
	v, err := m.Tasks.CheckRespondable(ctx, t.ev.Sender, callbackID(t))
	if err != nil {
		return m.failAction(ctx, t, err)
	}
	next := AwaitingWorkerComment{TaskID: v.ID}
	m.reply(ctx, t, m.Present.Prompt(next))
	return next
}

func (m *Machine) approveTask(ctx context.Context, t *turn) State {
	_, notices, err := m.Tasks.ApproveRequest(ctx, t.ev.Sender, callbackID(t))
	if err != nil {
		return m.failAction(ctx, t, err)
	}
	m.confirm(ctx, t, notices)
	return nil
}

func (m *Machine) rejectTask(ctx context.Context, t *turn) State {
	v, err := m.Tasks.CheckReviewable(ctx, t.ev.Sender, callbackID(t))
	if err != nil {
		return m.failAction(ctx, t, err)
	}
	next := AwaitingRejectionComment{TaskID: v.ID}
	m.reply(ctx, t, m.Present.Prompt(next))
	return next
}

func (m *Machine) assignTask(ctx context.Context, t *turn) State {
	st := t.state.(AwaitingAdminTaskText)
	_, notices, err := m.Tasks.AssignTask(ctx, t.ev.Sender, st.WorkerID, t.ev.Payload)
	if err != nil {
		return m.failTerminal(ctx, t, err)
	}
	m.confirm(ctx, t, notices)
	return Idle{}
}

func (m *Machine) rejectionComment(ctx context.Context, t *turn) State {
	st := t.state.(AwaitingRejectionComment)
	_, notices, err := m.Tasks.RejectRequest(ctx, t.ev.Sender, st.TaskID, t.ev.Payload)
	if err != nil {
		return m.failTerminal(ctx, t, err)
	}
	m.confirm(ctx, t, notices)
	return Idle{}
}

func (m *Machine) submitRequest(ctx context.Context, t *turn) State {
	_, notices, err := m.Tasks.SubmitRequest(ctx, t.ev.Sender, t.ev.Payload)
	if err != nil {
		return m.failTerminal(ctx, t, err)
	}
	m.confirm(ctx, t, notices)
	return Idle{}
}

func (m *Machine) workerComment(ctx context.Context, t *turn) State {
	st := t.state.(AwaitingWorkerComment)
	_, notices, err := m.Tasks.CommentTask(ctx, t.ev.Sender, st.TaskID, t.ev.Payload)
	if err != nil {
		return m.failTerminal(ctx, t, err)
	}
	m.confirm(ctx, t, notices)
	return Idle{}
}

func (m *Machine) guidance(ctx context.Context, t *turn) State {
	m.reply(ctx, t, m.Present.Guidance(t.state, true))
	return nil
}
