package render

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"crewline/internal/dialogue"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/engine/auth"
	"crewline/internal/notify"
)

func adminTask() *domain.AdminTaskView {
	return &domain.AdminTaskView{
		AdminTask: domain.AdminTask{
			ID:        7,
			FromAdmin: 1,
			ToWorker:  2,
			Text:      "Pour foundation slab",
			Status:    domain.AdminTaskPending,
			CreatedAt: "2024-03-01T09:00:00Z",
		},
		AdminName:  "Ann Admin",
		WorkerName: "Will Worker",
	}
}

func TestAssignedNoticeCarriesButtons(t *testing.T) {
	n := domain.Notice{Kind: domain.NoticeTaskAssigned, Recipients: []int64{2}, AdminTask: adminTask()}
	m := Renderer{}.Notice(n, 2)

	require.EqualValues(t, 2, m.Recipient)
	require.Equal(t, string(domain.NoticeTaskAssigned), m.Kind)
	require.Contains(t, m.Text, "#7")
	require.Contains(t, m.Text, "Pour foundation slab")
	require.Contains(t, m.Text, "01.03.2024 09:00")
	require.Equal(t, "accept_task:7", m.Buttons[0][0].Data)
	require.Equal(t, "comment_task:7", m.Buttons[1][0].Data)
}

func TestRejectedNoticeShowsComment(t *testing.T) {
	comment := "Use the one on site"
	n := domain.Notice{
		Kind: domain.NoticeRequestRejected,
		WorkerTask: &domain.WorkerTaskView{
			WorkerTask:   domain.WorkerTask{ID: 3, Text: "Need a ladder", Status: domain.WorkerTaskRejected, AdminComment: &comment},
			ReviewerName: "Ann Admin",
		},
	}
	m := Renderer{}.Notice(n, 2)
	require.Contains(t, m.Text, comment)
	require.Contains(t, m.Text, "Ann Admin")
	require.Empty(t, m.Buttons)
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", Truncate("short", 10))
	long := strings.Repeat("ж", 150)
	got := Truncate(long, ListingTextLen)
	require.Equal(t, ListingTextLen, utf8.RuneCountInString(got))
	require.True(t, strings.HasSuffix(got, "..."))

	huge := Renderer{}.Notice(domain.Notice{
		Kind:      domain.NoticeTaskAssigned,
		AdminTask: &domain.AdminTaskView{AdminTask: domain.AdminTask{ID: 1, Text: strings.Repeat("a", 5000)}},
	}, 1)
	require.LessOrEqual(t, utf8.RuneCountInString(huge.Text), MaxMessageLen)
}

func TestFailureMessages(t *testing.T) {
	r := Renderer{}
	cases := []struct {
		err  error
		want string
	}{
		{auth.ForbiddenError{Identity: 1, Required: domain.RoleAdmin}, "Access denied"},
		{auth.NotRegisteredError{Identity: 1}, "/start"},
		{engine.NotFoundError{Kind: "task", ID: 9}, "Task #9 was not found"},
		{engine.IllegalTransitionError{Kind: "request", ID: 4, Current: "approved", Target: "rejected"}, "already approved"},
		{engine.PersistenceError{Op: "commit"}, "Something went wrong"},
	}
	for _, tc := range cases {
		require.Contains(t, r.Failure(tc.err).Text, tc.want)
	}
}

func TestInvalidRepromptsForStep(t *testing.T) {
	err := engine.ValidateTaskText("T")
	m := Renderer{}.Invalid(dialogue.AwaitingWorkerTaskText{}, err)
	require.Contains(t, m.Text, "Task text must be at least 5 characters")
	require.Contains(t, m.Text, "Describe the task")
}

func TestMenus(t *testing.T) {
	for _, menu := range []notify.Menu{notify.MenuAdmin, notify.MenuWorker} {
		for _, row := range MenuFor(menu) {
			for _, item := range row {
				cmd, ok := CommandForLabel(item.Label)
				require.True(t, ok, item.Label)
				require.Equal(t, item.Command, cmd)
			}
		}
	}
	_, ok := CommandForLabel("hello")
	require.False(t, ok)
	require.Nil(t, MenuFor(notify.MenuRemove))

	u := domain.UserProfile{ID: 1, FullName: "Ann Admin", Role: domain.RoleAdmin}
	require.Equal(t, notify.MenuAdmin, Renderer{}.MainMenu(u).Menu)
}

func TestWorkerPicker(t *testing.T) {
	m := Renderer{}.WorkerPicker([]domain.UserProfile{{ID: 5, FullName: "Will Worker"}, {ID: 6, FullName: "Wes Worker"}})
	require.Len(t, m.Buttons, 2)
	require.Equal(t, "select_worker:6", m.Buttons[1][0].Data)
	require.Empty(t, Renderer{}.WorkerPicker(nil).Buttons)
}

func TestConfirmationMentionsUnreachableWorker(t *testing.T) {
	n := domain.Notice{Kind: domain.NoticeTaskAssigned, Recipients: []int64{2}, AdminTask: adminTask()}
	require.NotContains(t, Renderer{}.Confirmation(n, 0).Text, "could not")
	require.Contains(t, Renderer{}.Confirmation(n, 1).Text, "could not be notified")
}
