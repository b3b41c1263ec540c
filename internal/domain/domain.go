package domain

// Role is fixed at registration.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleWorker Role = "worker"
)

func (r Role) Valid() bool { return r == RoleAdmin || r == RoleWorker }

type UserProfile struct {
	ID           int64  `json:"id"`
	Username     string `json:"username,omitempty"`
	FullName     string `json:"full_name"`
	Role         Role   `json:"role"`
	RegisteredAt string `json:"registered_at"`
}

// AdminTask statuses.
const (
	AdminTaskPending   = "pending"
	AdminTaskAccepted  = "accepted"
	AdminTaskCompleted = "completed"
	AdminTaskCommented = "commented"
)

// WorkerTask statuses.
const (
	WorkerTaskPending  = "pending"
	WorkerTaskApproved = "approved"
	WorkerTaskRejected = "rejected"
)

// AdminTask is issued by an admin to one worker.
type AdminTask struct {
	ID            int64   `json:"id"`
	FromAdmin     int64   `json:"from_admin"`
	ToWorker      int64   `json:"to_worker"`
	Text          string  `json:"text"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at"`
	ReadAt        *string `json:"read_at,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
	WorkerComment *string `json:"worker_comment,omitempty"`
}

// AdminTaskView carries the participants' display names.
type AdminTaskView struct {
	AdminTask
	AdminName  string `json:"admin_name"`
	WorkerName string `json:"worker_name"`
}

// WorkerTask is a request submitted by a worker for admin review.
type WorkerTask struct {
	ID           int64   `json:"id"`
	FromWorker   int64   `json:"from_worker"`
	Text         string  `json:"text"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"created_at"`
	ReviewedAt   *string `json:"reviewed_at,omitempty"`
	ReviewedBy   *int64  `json:"reviewed_by,omitempty"`
	AdminComment *string `json:"admin_comment,omitempty"`
}

type WorkerTaskView struct {
	WorkerTask
	WorkerName   string `json:"worker_name"`
	ReviewerName string `json:"reviewer_name,omitempty"`
}

// NoticeKind names what happened to a task.
type NoticeKind string

const (
	NoticeTaskAssigned     NoticeKind = "admin_task.assigned"
	NoticeTaskAccepted     NoticeKind = "admin_task.accepted"
	NoticeTaskCommented    NoticeKind = "admin_task.commented"
	NoticeRequestSubmitted NoticeKind = "worker_task.submitted"
	NoticeRequestApproved  NoticeKind = "worker_task.approved"
	NoticeRequestRejected  NoticeKind = "worker_task.rejected"
)

// Notice is a notification intent produced by a committed task transition.
// Exactly one of AdminTask or WorkerTask is set.
type Notice struct {
	Kind       NoticeKind
	Recipients []int64
	AdminTask  *AdminTaskView
	WorkerTask *WorkerTaskView
}

// NotificationRecord is one delivery attempt.
type NotificationRecord struct {
	ID        int64  `json:"id"`
	Recipient int64  `json:"recipient"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
}

// APIKey authenticates an HTTP client as a registered user.
type APIKey struct {
	ID        string `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at"`
}

// StatusCount is a per-status task tally.
type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}
