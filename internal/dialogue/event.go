package dialogue

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the inbound event class.
type Kind string

const (
	KindCommand  Kind = "command"
	KindText     Kind = "text"
	KindCallback Kind = "callback"
)

// Event is one inbound message or button press. Sender is already verified by
// the transport.
type Event struct {
	ID          string    `json:"id"`
	Sender      int64     `json:"sender"`
	Username    string    `json:"username,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Kind        Kind      `json:"kind"`
	Payload     string    `json:"payload"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Menu commands. Transports map slash commands and keyboard buttons onto these.
const (
	CmdStart           = "start"
	CmdHelp            = "help"
	CmdProfile         = "profile"
	CmdMenu            = "menu"
	CmdWorkers         = "workers"
	CmdSendTask        = "send_task"
	CmdPendingRequests = "pending_requests"
	CmdAllTasks        = "all_tasks"
	CmdMyTasks         = "my_tasks"
	CmdCreateTask      = "create_task"
	CmdMyRequests      = "my_requests"
)

// Callback actions carried by inline buttons as "<action>:<id>".
const (
	ActionSelectWorker = "select_worker"
	ActionAcceptTask   = "accept_task"
	ActionCommentTask  = "comment_task"
	ActionApproveTask  = "approve_task"
	ActionRejectTask   = "reject_task"
)

func CallbackData(action string, id int64) string {
	return action + ":" + strconv.FormatInt(id, 10)
}

// ParseCallback splits "<action>:<id>".
func ParseCallback(payload string) (string, int64, error) {
	action, raw, ok := strings.Cut(strings.TrimSpace(payload), ":")
	if !ok || action == "" {
		return "", 0, fmt.Errorf("malformed callback %q", payload)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("malformed callback id %q", raw)
	}
	return action, id, nil
}

// CommandName normalizes "/Start@SomeBot args" to "start".
func CommandName(payload string) string {
	name := strings.TrimSpace(payload)
	if fields := strings.Fields(name); len(fields) > 0 {
		name = fields[0]
	}
	name = strings.TrimPrefix(name, "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name)
}
