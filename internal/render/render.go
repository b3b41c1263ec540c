package render

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"crewline/internal/dialogue"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/engine/auth"
	"crewline/internal/notify"
)

const (
	// MaxMessageLen keeps messages under the Telegram limit.
	MaxMessageLen = 4000
	// ListingTextLen bounds task text inside listings.
	ListingTextLen = 100
)

// Renderer produces every message users see. The zero value is ready to use.
type Renderer struct {
	// Location for timestamps; UTC when nil.
	Location *time.Location
}

// MenuItem is one button of a role's main keyboard.
type MenuItem struct {
	Label   string
	Command string
}

var adminMenu = [][]MenuItem{
	{{Label: "👥 Workers", Command: dialogue.CmdWorkers}},
	{{Label: "📨 Send task", Command: dialogue.CmdSendTask}},
	{{Label: "✅ Worker requests", Command: dialogue.CmdPendingRequests}},
	{{Label: "📊 All tasks", Command: dialogue.CmdAllTasks}},
	{{Label: "🏠 Main menu", Command: dialogue.CmdMenu}},
}

var workerMenu = [][]MenuItem{
	{{Label: "📋 My tasks", Command: dialogue.CmdMyTasks}},
	{{Label: "📝 Create task", Command: dialogue.CmdCreateTask}},
	{{Label: "📊 Request status", Command: dialogue.CmdMyRequests}},
	{{Label: "🏠 Main menu", Command: dialogue.CmdMenu}},
}

// MenuFor returns the keyboard layout for a persistent menu.
func MenuFor(menu notify.Menu) [][]MenuItem {
	switch menu {
	case notify.MenuAdmin:
		return adminMenu
	case notify.MenuWorker:
		return workerMenu
	}
	return nil
}

// CommandForLabel maps a keyboard button text back to its command.
func CommandForLabel(label string) (string, bool) {
	label = strings.TrimSpace(label)
	for _, rows := range [][][]MenuItem{adminMenu, workerMenu} {
		for _, row := range rows {
			for _, item := range row {
				if item.Label == label {
					return item.Command, true
				}
			}
		}
	}
	return "", false
}

func menuOf(role domain.Role) notify.Menu {
	if role == domain.RoleAdmin {
		return notify.MenuAdmin
	}
	return notify.MenuWorker
}

func msg(text string) notify.OutboundMessage {
	return notify.OutboundMessage{Text: Truncate(text, MaxMessageLen)}
}

// Truncate shortens s to max runes, ending with "...".
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

// StatusEmoji marks a status in listings.
func StatusEmoji(status string) string {
	switch status {
	case domain.AdminTaskPending:
		return "⏳"
	case domain.AdminTaskAccepted, domain.AdminTaskCompleted, domain.WorkerTaskApproved:
		return "✅"
	case domain.AdminTaskCommented:
		return "📝"
	case domain.WorkerTaskRejected:
		return "❌"
	}
	return "❓"
}

// StatusLabel is the human wording of a task status.
func StatusLabel(status string) string {
	switch status {
	case domain.AdminTaskPending:
		return "Awaiting response"
	case domain.AdminTaskAccepted:
		return "Accepted"
	case domain.AdminTaskCompleted:
		return "Completed"
	case domain.AdminTaskCommented:
		return "Commented"
	case domain.WorkerTaskApproved:
		return "Approved"
	case domain.WorkerTaskRejected:
		return "Rejected"
	}
	return status
}

func (r Renderer) when(ts string) string {
	if ts == "" {
		return "not set"
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("02.01.2006 15:04")
}

func (r Renderer) whenPtr(ts *string) string {
	if ts == nil {
		return r.when("")
	}
	return r.when(*ts)
}

func (Renderer) AskFullName(hint string) notify.OutboundMessage {
	text := "👋 Welcome! Please send your full name (first name and surname) to register."
	if hint != "" {
		text += fmt.Sprintf("\nFor example: %s", hint)
	}
	m := msg(text)
	m.Menu = notify.MenuRemove
	return m
}

func (Renderer) Registered(u domain.UserProfile) notify.OutboundMessage {
	m := msg(fmt.Sprintf("✅ Registration complete.\nName: %s\nRole: %s", u.FullName, roleLabel(u.Role)))
	m.Menu = menuOf(u.Role)
	return m
}

func (Renderer) MainMenu(u domain.UserProfile) notify.OutboundMessage {
	m := msg(fmt.Sprintf("🏠 Main menu\nHello, %s! Choose an action below.", u.FullName))
	m.Menu = menuOf(u.Role)
	return m
}

func (Renderer) Help(role domain.Role) notify.OutboundMessage {
	var b strings.Builder
	b.WriteString("ℹ️ Help\n\n/start - main menu\n/profile - your profile\n/help - this message\n\n")
	if role == domain.RoleAdmin {
		b.WriteString("Workers - registered users\nSend task - assign a task to a worker\nWorker requests - review pending requests\nAll tasks - the latest tasks")
	} else {
		b.WriteString("My tasks - tasks assigned to you\nCreate task - submit a request to the admins\nRequest status - your submitted requests")
	}
	m := msg(b.String())
	m.Menu = menuOf(role)
	return m
}

func (r Renderer) Profile(u domain.UserProfile) notify.OutboundMessage {
	username := "-"
	if u.Username != "" {
		username = "@" + u.Username
	}
	m := msg(fmt.Sprintf("👤 Profile\nName: %s\nUsername: %s\nRole: %s\nRegistered: %s",
		u.FullName, username, roleLabel(u.Role), r.when(u.RegisteredAt)))
	m.Menu = menuOf(u.Role)
	return m
}

func roleLabel(role domain.Role) string {
	if role == domain.RoleAdmin {
		return "👑 Admin"
	}
	return "👷 Worker"
}

// Guidance answers input the current step does not expect.
func (r Renderer) Guidance(s dialogue.State, registered bool) notify.OutboundMessage {
	if !registered {
		if s.Step() == dialogue.StepAwaitingFullName {
			return msg("Please send your full name as a text message.")
		}
		return msg("You are not registered yet. Send /start to begin.")
	}
	if s.Step() == dialogue.StepIdle {
		return msg("🤔 I did not understand that. Use the menu buttons or /help.")
	}
	p := r.Prompt(s)
	p.Text = Truncate("That input is not expected here.\n"+p.Text, MaxMessageLen)
	return p
}

// Prompt asks for the input a dialogue step collects.
func (Renderer) Prompt(s dialogue.State) notify.OutboundMessage {
	switch st := s.(type) {
	case dialogue.AwaitingFullName:
		return msg("Please send your full name (first name and surname).")
	case dialogue.AwaitingWorkerSelection:
		return msg("Choose a worker from the list above.")
	case dialogue.AwaitingAdminTaskText:
		return msg(fmt.Sprintf("👷 Worker: %s\n\nSend the task text (at least %d characters).", st.WorkerName, engine.MinTaskTextLen))
	case dialogue.AwaitingRejectionComment:
		return msg(fmt.Sprintf("❌ Rejecting request #%d.\nSend the reason for rejection.", st.TaskID))
	case dialogue.AwaitingWorkerTaskText:
		return msg(fmt.Sprintf("📝 Describe the task for the admins (at least %d characters).", engine.MinTaskTextLen))
	case dialogue.AwaitingWorkerComment:
		return msg(fmt.Sprintf("📝 Send your comment on task #%d.", st.TaskID))
	}
	return msg("Use the menu buttons or /help.")
}

// Invalid re-prompts after a validation failure.
func (r Renderer) Invalid(s dialogue.State, err error) notify.OutboundMessage {
	var ve engine.ValidationError
	reason := err.Error()
	if errors.As(err, &ve) {
		reason = ve.Reason
	}
	field := "Input"
	switch s.Step() {
	case dialogue.StepAwaitingFullName:
		field = "Name"
	case dialogue.StepAwaitingAdminTaskText, dialogue.StepAwaitingWorkerTaskText:
		field = "Task text"
	case dialogue.StepAwaitingRejectionComment, dialogue.StepAwaitingWorkerComment:
		field = "Comment"
	}
	p := r.Prompt(s)
	p.Text = Truncate(fmt.Sprintf("❌ %s %s.\n%s", field, reason, p.Text), MaxMessageLen)
	return p
}

// Failure describes an error to the user who caused it.
func (Renderer) Failure(err error) notify.OutboundMessage {
	var (
		fe  auth.ForbiddenError
		nre auth.NotRegisteredError
		nf  engine.NotFoundError
		it  engine.IllegalTransitionError
		ve  engine.ValidationError
	)
	switch {
	case errors.As(err, &nre):
		return msg("You are not registered yet. Send /start to begin.")
	case errors.As(err, &fe):
		return msg("⛔ Access denied: " + fe.Error() + ".")
	case errors.As(err, &nf):
		return msg(fmt.Sprintf("❌ %s #%d was not found. Returning to the main menu.", capitalize(nf.Kind), nf.ID))
	case errors.As(err, &it):
		return msg(fmt.Sprintf("⚠️ %s #%d is already %s (%s).", capitalize(it.Kind), it.ID, it.Current, StatusLabel(it.Current)))
	case errors.As(err, &ve):
		return msg("❌ " + ve.Error())
	}
	return msg("❌ Something went wrong. Please try again later.")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (Renderer) WorkerPicker(workers []domain.UserProfile) notify.OutboundMessage {
	if len(workers) == 0 {
		return msg("📭 No registered workers yet.")
	}
	m := msg("👷 Choose a worker:")
	for _, w := range workers {
		m.Buttons = append(m.Buttons, []notify.Button{{
			Text: "👷 " + w.FullName,
			Data: dialogue.CallbackData(dialogue.ActionSelectWorker, w.ID),
		}})
	}
	return m
}

func (Renderer) Directory(d engine.Directory) notify.OutboundMessage {
	if len(d.Users) == 0 {
		return msg("📭 No registered users.")
	}
	var b strings.Builder
	b.WriteString("👥 Registered users\n\n")
	for _, u := range d.Users {
		icon := "👷"
		if u.Role == domain.RoleAdmin {
			icon = "👑"
		}
		fmt.Fprintf(&b, "%s %s", icon, u.FullName)
		if u.Username != "" {
			fmt.Fprintf(&b, " (@%s)", u.Username)
		}
		fmt.Fprintf(&b, " [%d]\n", u.ID)
	}
	fmt.Fprintf(&b, "\nAdmins: %d\nWorkers: %d", d.Admins, d.Workers)
	return msg(b.String())
}

// Inbox renders one message per task so each carries its own buttons.
func (r Renderer) Inbox(tasks []domain.AdminTaskView) []notify.OutboundMessage {
	if len(tasks) == 0 {
		return []notify.OutboundMessage{msg("📭 You have no tasks.")}
	}
	out := make([]notify.OutboundMessage, 0, len(tasks))
	for _, t := range tasks {
		var b strings.Builder
		fmt.Fprintf(&b, "%s Task #%d\nFrom: %s\nCreated: %s\nStatus: %s\n\n%s",
			StatusEmoji(t.Status), t.ID, t.AdminName, r.when(t.CreatedAt), StatusLabel(t.Status), t.Text)
		if t.WorkerComment != nil {
			fmt.Fprintf(&b, "\n\n💬 Your comment: %s", *t.WorkerComment)
		}
		m := msg(b.String())
		if t.Status == domain.AdminTaskPending {
			m.Buttons = respondButtons(t.ID)
		}
		out = append(out, m)
	}
	return out
}

func respondButtons(id int64) [][]notify.Button {
	return [][]notify.Button{
		{{Text: "✅ Accept", Data: dialogue.CallbackData(dialogue.ActionAcceptTask, id)}},
		{{Text: "📝 Comment", Data: dialogue.CallbackData(dialogue.ActionCommentTask, id)}},
	}
}

func reviewButtons(id int64) [][]notify.Button {
	return [][]notify.Button{{
		{Text: "✅ Approve", Data: dialogue.CallbackData(dialogue.ActionApproveTask, id)},
		{Text: "❌ Reject", Data: dialogue.CallbackData(dialogue.ActionRejectTask, id)},
	}}
}

func (r Renderer) PendingRequests(items []domain.WorkerTaskView) []notify.OutboundMessage {
	if len(items) == 0 {
		return []notify.OutboundMessage{msg("📭 No pending requests.")}
	}
	out := make([]notify.OutboundMessage, 0, len(items))
	for _, t := range items {
		m := msg(fmt.Sprintf("📋 Request #%d\nFrom: %s\nCreated: %s\n\n%s",
			t.ID, t.WorkerName, r.when(t.CreatedAt), t.Text))
		m.Buttons = reviewButtons(t.ID)
		out = append(out, m)
	}
	return out
}

func (r Renderer) MyRequests(items []domain.WorkerTaskView) notify.OutboundMessage {
	if len(items) == 0 {
		return msg("📭 You have not submitted any requests.")
	}
	var b strings.Builder
	b.WriteString("📊 Your requests\n")
	for _, t := range items {
		fmt.Fprintf(&b, "\n%s #%d %s\n%s\n", StatusEmoji(t.Status), t.ID, StatusLabel(t.Status), Truncate(t.Text, ListingTextLen))
		if t.ReviewerName != "" {
			fmt.Fprintf(&b, "Reviewed by %s on %s\n", t.ReviewerName, r.whenPtr(t.ReviewedAt))
		}
		if t.AdminComment != nil {
			fmt.Fprintf(&b, "💬 %s\n", *t.AdminComment)
		}
	}
	return msg(b.String())
}

func (r Renderer) RecentTasks(items []domain.AdminTaskView) notify.OutboundMessage {
	if len(items) == 0 {
		return msg("📭 No tasks yet.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Latest %d tasks\n", len(items))
	for _, t := range items {
		fmt.Fprintf(&b, "\n%s #%d %s → %s (%s)\n%s\n", StatusEmoji(t.Status), t.ID, t.AdminName, t.WorkerName,
			r.when(t.CreatedAt), Truncate(t.Text, ListingTextLen))
	}
	return msg(b.String())
}

// Confirmation tells the actor a transition was recorded.
func (Renderer) Confirmation(n domain.Notice, undelivered int) notify.OutboundMessage {
	var text string
	switch n.Kind {
	case domain.NoticeTaskAssigned:
		text = fmt.Sprintf("✅ Task #%d sent to %s.", n.AdminTask.ID, n.AdminTask.WorkerName)
		if undelivered > 0 {
			text += "\n⚠️ The worker could not be notified (they may not have started the bot). The task is saved."
		}
	case domain.NoticeTaskAccepted:
		text = fmt.Sprintf("✅ You accepted task #%d.", n.AdminTask.ID)
	case domain.NoticeTaskCommented:
		text = fmt.Sprintf("📝 Your comment on task #%d was sent.", n.AdminTask.ID)
	case domain.NoticeRequestSubmitted:
		text = fmt.Sprintf("✅ Request #%d submitted for review.", n.WorkerTask.ID)
		if len(n.Recipients) == 0 {
			text += "\n⚠️ No admins are configured to review it."
		}
	case domain.NoticeRequestApproved:
		text = fmt.Sprintf("✅ Request #%d approved.", n.WorkerTask.ID)
	case domain.NoticeRequestRejected:
		text = fmt.Sprintf("❌ Request #%d rejected.", n.WorkerTask.ID)
	default:
		text = "✅ Done."
	}
	if undelivered > 0 && n.Kind != domain.NoticeTaskAssigned {
		text += fmt.Sprintf("\n⚠️ %d recipient(s) could not be notified.", undelivered)
	}
	return msg(text)
}

// Notice renders a notification for one recipient.
func (r Renderer) Notice(n domain.Notice, recipient int64) notify.OutboundMessage {
	var m notify.OutboundMessage
	switch n.Kind {
	case domain.NoticeTaskAssigned:
		t := n.AdminTask
		m = msg(fmt.Sprintf("📨 New task #%d\nFrom: %s\nCreated: %s\n\n%s", t.ID, t.AdminName, r.when(t.CreatedAt), t.Text))
		m.Buttons = respondButtons(t.ID)
	case domain.NoticeTaskAccepted:
		t := n.AdminTask
		m = msg(fmt.Sprintf("✅ %s accepted task #%d\n\n%s", t.WorkerName, t.ID, Truncate(t.Text, ListingTextLen)))
	case domain.NoticeTaskCommented:
		t := n.AdminTask
		comment := ""
		if t.WorkerComment != nil {
			comment = *t.WorkerComment
		}
		m = msg(fmt.Sprintf("📝 %s commented on task #%d\n\n%s\n\n💬 %s", t.WorkerName, t.ID, Truncate(t.Text, ListingTextLen), comment))
	case domain.NoticeRequestSubmitted:
		t := n.WorkerTask
		m = msg(fmt.Sprintf("📋 New request #%d\nFrom: %s\nCreated: %s\n\n%s", t.ID, t.WorkerName, r.when(t.CreatedAt), t.Text))
		m.Buttons = reviewButtons(t.ID)
	case domain.NoticeRequestApproved:
		t := n.WorkerTask
		m = msg(fmt.Sprintf("✅ Your request #%d was approved by %s\n\n%s", t.ID, t.ReviewerName, Truncate(t.Text, ListingTextLen)))
	case domain.NoticeRequestRejected:
		t := n.WorkerTask
		comment := ""
		if t.AdminComment != nil {
			comment = *t.AdminComment
		}
		m = msg(fmt.Sprintf("❌ Your request #%d was rejected by %s\n\n%s\n\n💬 %s", t.ID, t.ReviewerName, Truncate(t.Text, ListingTextLen), comment))
	default:
		m = msg(string(n.Kind))
	}
	m.Recipient = recipient
	m.Kind = string(n.Kind)
	return m
}
