package dialogue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/metrics"
	"crewline/internal/notify"
)

// Tasks is the slice of the lifecycle engine the dialogues drive.
type Tasks interface {
	Authorize(ctx context.Context, id int64, role domain.Role) (domain.UserProfile, error)
	RegisterUser(ctx context.Context, id int64, username, fullName string) (domain.UserProfile, bool, error)
	Profile(ctx context.Context, id int64) (domain.UserProfile, error)
	Workers(ctx context.Context, adminID int64) ([]domain.UserProfile, error)
	Directory(ctx context.Context, adminID int64) (engine.Directory, error)
	AssignTask(ctx context.Context, adminID, workerID int64, text string) (domain.AdminTaskView, []domain.Notice, error)
	AcceptTask(ctx context.Context, actorID, taskID int64) (domain.AdminTaskView, []domain.Notice, error)
	CommentTask(ctx context.Context, actorID, taskID int64, comment string) (domain.AdminTaskView, []domain.Notice, error)
	CheckRespondable(ctx context.Context, actorID, taskID int64) (domain.AdminTaskView, error)
	SubmitRequest(ctx context.Context, workerID int64, text string) (domain.WorkerTaskView, []domain.Notice, error)
	ApproveRequest(ctx context.Context, adminID, taskID int64) (domain.WorkerTaskView, []domain.Notice, error)
	RejectRequest(ctx context.Context, adminID, taskID int64, comment string) (domain.WorkerTaskView, []domain.Notice, error)
	CheckReviewable(ctx context.Context, adminID, taskID int64) (domain.WorkerTaskView, error)
	Inbox(ctx context.Context, workerID int64) ([]domain.AdminTaskView, error)
	PendingRequests(ctx context.Context, adminID int64) ([]domain.WorkerTaskView, error)
	MyRequests(ctx context.Context, workerID int64) ([]domain.WorkerTaskView, error)
	RecentTasks(ctx context.Context, adminID int64) ([]domain.AdminTaskView, error)
}

// Outbox delivers replies and task notifications.
type Outbox interface {
	Deliver(ctx context.Context, msg notify.OutboundMessage) notify.Result
	Notify(ctx context.Context, notices ...domain.Notice) []notify.Result
}

// Presenter renders every user-facing reply. Recipient is filled in by the machine.
type Presenter interface {
	AskFullName(hint string) notify.OutboundMessage
	Registered(u domain.UserProfile) notify.OutboundMessage
	MainMenu(u domain.UserProfile) notify.OutboundMessage
	Help(role domain.Role) notify.OutboundMessage
	Profile(u domain.UserProfile) notify.OutboundMessage
	Guidance(s State, registered bool) notify.OutboundMessage
	Prompt(s State) notify.OutboundMessage
	Invalid(s State, err error) notify.OutboundMessage
	Failure(err error) notify.OutboundMessage
	WorkerPicker(workers []domain.UserProfile) notify.OutboundMessage
	Directory(d engine.Directory) notify.OutboundMessage
	Inbox(tasks []domain.AdminTaskView) []notify.OutboundMessage
	PendingRequests(items []domain.WorkerTaskView) []notify.OutboundMessage
	MyRequests(items []domain.WorkerTaskView) notify.OutboundMessage
	RecentTasks(items []domain.AdminTaskView) notify.OutboundMessage
	Confirmation(n domain.Notice, undelivered int) notify.OutboundMessage
}

// Machine is the conversation state engine. It resolves each inbound event
// against the sender's current step through a fixed route table.
type Machine struct {
	Tasks   Tasks
	Store   Store
	Out     Outbox
	Present Presenter
	Locks   *KeyedMutex
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	routes []route
}

func NewMachine(tasks Tasks, store Store, out Outbox, present Presenter, logger *zap.Logger, m *metrics.Metrics) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	mc := &Machine{
		Tasks:   tasks,
		Store:   store,
		Out:     out,
		Present: present,
		Locks:   NewKeyedMutex(),
		Logger:  logger.Named("dialogue"),
		Metrics: m,
	}
	mc.routes = mc.routeTable()
	return mc
}

// turn is the context of one event being handled.
type turn struct {
	ev    Event
	state State
	user  *domain.UserProfile
}

// Handle processes ev for its sender. Calls for the same sender are serialized.
func (m *Machine) Handle(ctx context.Context, ev Event) error {
	if ev.Sender == 0 {
		return fmt.Errorf("event %q has no sender", ev.ID)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	m.Locks.Lock(ev.Sender)
	defer m.Locks.Unlock(ev.Sender)

	m.Metrics.Inbound(string(ev.Kind))
	state, err := m.Store.Load(ctx, ev.Sender)
	if err != nil {
		return fmt.Errorf("load state for %d: %w", ev.Sender, err)
	}
	t := &turn{ev: ev, state: state}
	if u, err := m.Tasks.Profile(ctx, ev.Sender); err == nil {
		t.user = &u
	} else if !isNotFound(err) {
		m.Logger.Error("profile lookup failed", zap.Int64("identity", ev.Sender), zap.Error(err))
		m.reply(ctx, t, m.Present.Failure(err))
		return nil
	}

	r := m.resolve(t)
	m.Logger.Debug("inbound event",
		zap.String("event_id", ev.ID),
		zap.Int64("identity", ev.Sender),
		zap.String("kind", string(ev.Kind)),
		zap.String("step", string(state.Step())),
		zap.String("route", r.name),
	)
	if r.role != "" {
		if _, err := m.Tasks.Authorize(ctx, ev.Sender, r.role); err != nil {
			m.logFailure(t, err)
			m.reply(ctx, t, m.Present.Failure(err))
			return nil
		}
	}
	next := r.handle(ctx, t)
	if next == nil || next == state {
		return nil
	}
	if next.Step() == StepIdle {
		err = m.Store.Clear(ctx, ev.Sender)
	} else {
		err = m.Store.Save(ctx, ev.Sender, next)
	}
	if err != nil {
		return fmt.Errorf("save state for %d: %w", ev.Sender, err)
	}
	return nil
}

// State returns the sender's current dialogue state.
func (m *Machine) State(ctx context.Context, id int64) (State, error) {
	return m.Store.Load(ctx, id)
}

func (m *Machine) reply(ctx context.Context, t *turn, msg notify.OutboundMessage) {
	msg.Recipient = t.ev.Sender
	res := m.Out.Deliver(ctx, msg)
	if !res.Delivered {
		m.Logger.Warn("reply not delivered", zap.Int64("identity", t.ev.Sender), zap.Error(res.Err))
	}
}

func (m *Machine) replyAll(ctx context.Context, t *turn, msgs []notify.OutboundMessage) {
	for _, msg := range msgs {
		m.reply(ctx, t, msg)
	}
}

// notify delivers notices and returns how many recipients were not reached.
func (m *Machine) notify(ctx context.Context, notices []domain.Notice) int {
	if len(notices) == 0 {
		return 0
	}
	return len(notify.Failed(m.Out.Notify(ctx, notices...)))
}

func (m *Machine) logFailure(t *turn, err error) {
	var pe engine.PersistenceError
	if errors.As(err, &pe) {
		m.Logger.Error("action failed", zap.String("event_id", t.ev.ID), zap.Int64("identity", t.ev.Sender), zap.Error(err))
		return
	}
	m.Logger.Info("action rejected", zap.String("event_id", t.ev.ID), zap.Int64("identity", t.ev.Sender), zap.Error(err))
}

func isNotFound(err error) bool {
	var nf engine.NotFoundError
	return errors.As(err, &nf)
}

func isValidation(err error) bool {
	var ve engine.ValidationError
	return errors.As(err, &ve)
}
