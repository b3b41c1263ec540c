package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"crewline/internal/domain"
	"crewline/internal/engine/auth"
	"crewline/internal/metrics"
	"crewline/internal/repo"
)

// AdminList is the allow-list the engine consults for roles and broadcasts.
type AdminList interface {
	IsAdmin(id int64) bool
	IDs() []int64
}

// Engine owns task lifecycle rules and the user directory. Every mutation runs
// in one transaction; notices are returned only after a successful commit.
type Engine struct {
	DB             *sql.DB
	Repo           repo.Repo
	Guard          auth.Guard
	Admins         AdminList
	RequireSurname bool
	Now            func() time.Time
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

func New(db *sql.DB, admins AdminList, logger *zap.Logger, m *metrics.Metrics) Engine {
	r := repo.Repo{DB: db}
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		DB:      db,
		Repo:    r,
		Guard:   auth.Guard{Users: r, Admins: admins},
		Admins:  admins,
		Now:     time.Now,
		Logger:  logger.Named("engine"),
		Metrics: m,
	}
}

func (e Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) require(ctx context.Context, id int64, role domain.Role) (domain.UserProfile, error) {
	u, err := e.Guard.Require(ctx, id, role)
	return u, persistence("load profile", err)
}

// Authorize checks that id currently holds role.
func (e Engine) Authorize(ctx context.Context, id int64, role domain.Role) (domain.UserProfile, error) {
	return e.require(ctx, id, role)
}

// RegisterUser creates the profile for id, resolving the role from the admin
// allow-list. An existing profile is returned unchanged with created=false.
func (e Engine) RegisterUser(ctx context.Context, id int64, username, fullName string) (domain.UserProfile, bool, error) {
	fullName = strings.TrimSpace(fullName)
	if err := ValidateFullName(fullName, e.RequireSurname); err != nil {
		return domain.UserProfile{}, false, err
	}
	role := domain.RoleWorker
	if e.Admins != nil && e.Admins.IsAdmin(id) {
		role = domain.RoleAdmin
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.UserProfile{}, false, persistence("begin", err)
	}
	defer tx.Rollback()

	created, err := e.Repo.InsertUserTx(ctx, tx, domain.UserProfile{
		ID:           id,
		Username:     strings.TrimPrefix(username, "@"),
		FullName:     fullName,
		Role:         role,
		RegisteredAt: e.now(),
	})
	if err != nil {
		return domain.UserProfile{}, false, persistence("insert user", err)
	}
	u, err := e.Repo.GetUserTx(ctx, tx, id)
	if err != nil {
		return domain.UserProfile{}, false, persistence("read user", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.UserProfile{}, false, persistence("commit", err)
	}
	if created {
		e.log().Info("user registered", zap.Int64("identity", id), zap.String("role", string(u.Role)))
	}
	return u, created, nil
}

// Profile returns the stored profile or NotFoundError.
func (e Engine) Profile(ctx context.Context, id int64) (domain.UserProfile, error) {
	u, err := e.Repo.GetUser(ctx, id)
	if err != nil {
		return u, persistence("read user", notFound("user", id, err))
	}
	return u, nil
}

// Workers lists workers by name for an admin.
func (e Engine) Workers(ctx context.Context, adminID int64) ([]domain.UserProfile, error) {
	if _, err := e.require(ctx, adminID, domain.RoleAdmin); err != nil {
		return nil, err
	}
	items, err := e.Repo.ListWorkers(ctx)
	return items, persistence("list workers", err)
}

// Directory is the admin overview of every registered user.
type Directory struct {
	Users   []domain.UserProfile
	Admins  int
	Workers int
}

func (e Engine) Directory(ctx context.Context, adminID int64) (Directory, error) {
	if _, err := e.require(ctx, adminID, domain.RoleAdmin); err != nil {
		return Directory{}, err
	}
	users, err := e.Repo.ListUsers(ctx)
	if err != nil {
		return Directory{}, persistence("list users", err)
	}
	d := Directory{Users: users}
	for _, u := range users {
		if u.Role == domain.RoleAdmin {
			d.Admins++
		} else {
			d.Workers++
		}
	}
	return d, nil
}

// AssignTask creates a pending admin task addressed to workerID.
func (e Engine) AssignTask(ctx context.Context, adminID, workerID int64, text string) (domain.AdminTaskView, []domain.Notice, error) {
	text = strings.TrimSpace(text)
	if err := ValidateTaskText(text); err != nil {
		return domain.AdminTaskView{}, nil, err
	}
	if _, err := e.require(ctx, adminID, domain.RoleAdmin); err != nil {
		return domain.AdminTaskView{}, nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AdminTaskView{}, nil, persistence("begin", err)
	}
	defer tx.Rollback()

	worker, err := e.Repo.GetUserTx(ctx, tx, workerID)
	if err != nil {
		return domain.AdminTaskView{}, nil, persistence("read worker", notFound("worker", workerID, err))
	}
	if worker.Role != domain.RoleWorker {
		return domain.AdminTaskView{}, nil, NotFoundError{Kind: "worker", ID: workerID}
	}
	id, err := e.Repo.InsertAdminTaskTx(ctx, tx, domain.AdminTask{
		FromAdmin: adminID,
		ToWorker:  workerID,
		Text:      text,
		Status:    domain.AdminTaskPending,
		CreatedAt: e.now(),
	})
	if err != nil {
		return domain.AdminTaskView{}, nil, persistence("insert admin task", err)
	}
	view, err := e.Repo.AdminTaskWithParticipantsTx(ctx, tx, id)
	if err != nil {
		return domain.AdminTaskView{}, nil, persistence("read admin task", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.AdminTaskView{}, nil, persistence("commit", err)
	}
	e.Metrics.Transition("admin_task", domain.AdminTaskPending)
	e.log().Info("admin task assigned", zap.Int64("task_id", id), zap.Int64("admin", adminID), zap.Int64("worker", workerID))
	return view, []domain.Notice{{
		Kind:       domain.NoticeTaskAssigned,
		Recipients: []int64{workerID},
		AdminTask:  &view,
	}}, nil
}

// AcceptTask marks a pending task accepted by its addressee.
func (e Engine) AcceptTask(ctx context.Context, actorID, taskID int64) (domain.AdminTaskView, []domain.Notice, error) {
	return e.respond(ctx, actorID, taskID, domain.AdminTaskAccepted, nil)
}

// CommentTask records the addressee's comment instead of accepting.
func (e Engine) CommentTask(ctx context.Context, actorID, taskID int64, comment string) (domain.AdminTaskView, []domain.Notice, error) {
	comment = strings.TrimSpace(comment)
	if err := ValidateComment(comment); err != nil {
		return domain.AdminTaskView{}, nil, err
	}
	return e.respond(ctx, actorID, taskID, domain.AdminTaskCommented, &comment)
}

func (e Engine) respond(ctx context.Context, actorID, taskID int64, target string, comment *string) (domain.AdminTaskView, []domain.Notice, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AdminTaskView{}, nil, persistence("begin", err)
	}
	defer tx.Rollback()

	current, err := e.Repo.AdminTaskWithParticipantsTx(ctx, tx, taskID)
	if err != nil {
		return domain.AdminTaskView{}, nil, persistence("read admin task", notFound("task", taskID, err))
	}
	if current.ToWorker != actorID {
		return domain.AdminTaskView{}, nil, auth.ForbiddenError{Identity: actorID, Required: domain.RoleWorker, Reason: "task is addressed to another worker"}
	}
	if err := ensureAdminTaskTransition(taskID, current.Status, target); err != nil {
		return domain.AdminTaskView{}, nil, err
	}
	ok, err := e.Repo.RespondAdminTaskTx(ctx, tx, taskID, target, e.now(), comment)
	if err != nil {
		return domain.AdminTaskView{}, nil, persistence("update admin task", err)
	}
	if !ok {
		return domain.AdminTaskView{}, nil, e.adminTaskConflict(ctx, tx, taskID, target)
	}
	view, err := e.Repo.AdminTaskWithParticipantsTx(ctx, tx, taskID)
	if err != nil {
		return domain.AdminTaskView{}, nil, persistence("read admin task", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.AdminTaskView{}, nil, persistence("commit", err)
	}
	e.Metrics.Transition("admin_task", target)
	e.log().Info("admin task updated", zap.Int64("task_id", taskID), zap.String("status", target), zap.Int64("worker", actorID))
	kind := domain.NoticeTaskAccepted
	if target == domain.AdminTaskCommented {
		kind = domain.NoticeTaskCommented
	}
	return view, []domain.Notice{{
		Kind:       kind,
		Recipients: []int64{view.FromAdmin},
		AdminTask:  &view,
	}}, nil
}

func (e Engine) adminTaskConflict(ctx context.Context, tx *sql.Tx, taskID int64, target string) error {
	latest, err := e.Repo.AdminTaskWithParticipantsTx(ctx, tx, taskID)
	if err != nil {
		return persistence("read admin task", notFound("task", taskID, err))
	}
	return IllegalTransitionError{Kind: "task", ID: taskID, Current: latest.Status, Target: target}
}

// CheckRespondable reports whether actorID may still accept or comment on taskID.
func (e Engine) CheckRespondable(ctx context.Context, actorID, taskID int64) (domain.AdminTaskView, error) {
	v, err := e.Repo.AdminTaskWithParticipants(ctx, taskID)
	if err != nil {
		return v, persistence("read admin task", notFound("task", taskID, err))
	}
	if v.ToWorker != actorID {
		return v, auth.ForbiddenError{Identity: actorID, Required: domain.RoleWorker, Reason: "task is addressed to another worker"}
	}
	return v, ensureAdminTaskTransition(taskID, v.Status, domain.AdminTaskCommented)
}

// SubmitRequest stores a worker request and notifies every admin on the allow-list.
func (e Engine) SubmitRequest(ctx context.Context, workerID int64, text string) (domain.WorkerTaskView, []domain.Notice, error) {
	text = strings.TrimSpace(text)
	if err := ValidateTaskText(text); err != nil {
		return domain.WorkerTaskView{}, nil, err
	}
	if _, err := e.require(ctx, workerID, domain.RoleWorker); err != nil {
		return domain.WorkerTaskView{}, nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkerTaskView{}, nil, persistence("begin", err)
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertWorkerTaskTx(ctx, tx, domain.WorkerTask{
		FromWorker: workerID,
		Text:       text,
		Status:     domain.WorkerTaskPending,
		CreatedAt:  e.now(),
	})
	if err != nil {
		return domain.WorkerTaskView{}, nil, persistence("insert worker task", err)
	}
	view, err := e.Repo.WorkerTaskWithParticipantsTx(ctx, tx, id)
	if err != nil {
		return domain.WorkerTaskView{}, nil, persistence("read worker task", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkerTaskView{}, nil, persistence("commit", err)
	}
	e.Metrics.Transition("worker_task", domain.WorkerTaskPending)
	e.log().Info("worker request submitted", zap.Int64("task_id", id), zap.Int64("worker", workerID))
	var admins []int64
	if e.Admins != nil {
		admins = e.Admins.IDs()
	}
	return view, []domain.Notice{{
		Kind:       domain.NoticeRequestSubmitted,
		Recipients: admins,
		WorkerTask: &view,
	}}, nil
}

// ApproveRequest approves a pending worker request.
func (e Engine) ApproveRequest(ctx context.Context, adminID, taskID int64) (domain.WorkerTaskView, []domain.Notice, error) {
	return e.review(ctx, adminID, taskID, domain.WorkerTaskApproved, nil)
}

// RejectRequest rejects a pending worker request with a reason.
func (e Engine) RejectRequest(ctx context.Context, adminID, taskID int64, comment string) (domain.WorkerTaskView, []domain.Notice, error) {
	comment = strings.TrimSpace(comment)
	if err := ValidateComment(comment); err != nil {
		return domain.WorkerTaskView{}, nil, err
	}
	return e.review(ctx, adminID, taskID, domain.WorkerTaskRejected, &comment)
}

func (e Engine) review(ctx context.Context, adminID, taskID int64, target string, comment *string) (domain.WorkerTaskView, []domain.Notice, error) {
	if _, err := e.require(ctx, adminID, domain.RoleAdmin); err != nil {
		return domain.WorkerTaskView{}, nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkerTaskView{}, nil, persistence("begin", err)
	}
	defer tx.Rollback()

	current, err := e.Repo.WorkerTaskWithParticipantsTx(ctx, tx, taskID)
	if err != nil {
		return domain.WorkerTaskView{}, nil, persistence("read worker task", notFound("request", taskID, err))
	}
	if err := ensureWorkerTaskTransition(taskID, current.Status, target); err != nil {
		return domain.WorkerTaskView{}, nil, err
	}
	ok, err := e.Repo.ReviewWorkerTaskTx(ctx, tx, taskID, target, adminID, e.now(), comment)
	if err != nil {
		return domain.WorkerTaskView{}, nil, persistence("update worker task", err)
	}
	if !ok {
		latest, err := e.Repo.WorkerTaskWithParticipantsTx(ctx, tx, taskID)
		if err != nil {
			return domain.WorkerTaskView{}, nil, persistence("read worker task", err)
		}
		return domain.WorkerTaskView{}, nil, IllegalTransitionError{Kind: "request", ID: taskID, Current: latest.Status, Target: target}
	}
	view, err := e.Repo.WorkerTaskWithParticipantsTx(ctx, tx, taskID)
	if err != nil {
		return domain.WorkerTaskView{}, nil, persistence("read worker task", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkerTaskView{}, nil, persistence("commit", err)
	}
	e.Metrics.Transition("worker_task", target)
	e.log().Info("worker request reviewed", zap.Int64("task_id", taskID), zap.String("status", target), zap.Int64("admin", adminID))
	kind := domain.NoticeRequestApproved
	if target == domain.WorkerTaskRejected {
		kind = domain.NoticeRequestRejected
	}
	return view, []domain.Notice{{
		Kind:       kind,
		Recipients: []int64{view.FromWorker},
		WorkerTask: &view,
	}}, nil
}

// CheckReviewable reports whether adminID may still review taskID.
func (e Engine) CheckReviewable(ctx context.Context, adminID, taskID int64) (domain.WorkerTaskView, error) {
	if _, err := e.require(ctx, adminID, domain.RoleAdmin); err != nil {
		return domain.WorkerTaskView{}, err
	}
	v, err := e.Repo.WorkerTaskWithParticipants(ctx, taskID)
	if err != nil {
		return v, persistence("read worker task", notFound("request", taskID, err))
	}
	return v, ensureWorkerTaskTransition(taskID, v.Status, domain.WorkerTaskRejected)
}

// Inbox returns the tasks addressed to a worker, newest first.
func (e Engine) Inbox(ctx context.Context, workerID int64) ([]domain.AdminTaskView, error) {
	if _, err := e.require(ctx, workerID, domain.RoleWorker); err != nil {
		return nil, err
	}
	items, err := e.Repo.ListAdminTasks(ctx, repo.AdminTaskFilter{WorkerID: workerID})
	return items, persistence("list inbox", err)
}

// PendingRequests returns the admin review queue, oldest first.
func (e Engine) PendingRequests(ctx context.Context, adminID int64) ([]domain.WorkerTaskView, error) {
	if _, err := e.require(ctx, adminID, domain.RoleAdmin); err != nil {
		return nil, err
	}
	items, err := e.Repo.ListWorkerTasks(ctx, repo.WorkerTaskFilter{Status: domain.WorkerTaskPending, OldestFirst: true})
	return items, persistence("list pending requests", err)
}

// MyRequests returns a worker's own requests, newest first.
func (e Engine) MyRequests(ctx context.Context, workerID int64) ([]domain.WorkerTaskView, error) {
	if _, err := e.require(ctx, workerID, domain.RoleWorker); err != nil {
		return nil, err
	}
	items, err := e.Repo.ListWorkerTasks(ctx, repo.WorkerTaskFilter{WorkerID: workerID})
	return items, persistence("list requests", err)
}

// RecentTasks returns the latest admin-issued tasks across all workers.
func (e Engine) RecentTasks(ctx context.Context, adminID int64) ([]domain.AdminTaskView, error) {
	if _, err := e.require(ctx, adminID, domain.RoleAdmin); err != nil {
		return nil, err
	}
	items, err := e.Repo.ListAdminTasks(ctx, repo.AdminTaskFilter{Limit: RecentTasksLimit})
	return items, persistence("list tasks", err)
}

// ensureAdminTaskTransition: pending moves to accepted or commented; every
// other status is terminal here.
func ensureAdminTaskTransition(id int64, from, to string) error {
	switch from {
	case domain.AdminTaskPending:
		if to == domain.AdminTaskAccepted || to == domain.AdminTaskCommented {
			return nil
		}
	}
	return IllegalTransitionError{Kind: "task", ID: id, Current: from, Target: to}
}

func ensureWorkerTaskTransition(id int64, from, to string) error {
	switch from {
	case domain.WorkerTaskPending:
		if to == domain.WorkerTaskApproved || to == domain.WorkerTaskRejected {
			return nil
		}
	}
	return IllegalTransitionError{Kind: "request", ID: id, Current: from, Target: to}
}
