package server

import "crewline/internal/domain"

// Request payloads

type EventRequest struct {
	Kind        string `json:"kind" enum:"command,text,callback" doc:"Inbound event class"`
	Payload     string `json:"payload" doc:"Command name, free text or <action>:<id> callback data"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Response payloads

type EventAccepted struct {
	ID string `json:"id" doc:"Correlation id of the queued event"`
}

type WhoAmIResponse struct {
	User   domain.UserProfile `json:"user"`
	Source string             `json:"source"`
}

type UsersResponse struct {
	Items   []domain.UserProfile `json:"items"`
	Admins  int                  `json:"admins"`
	Workers int                  `json:"workers"`
}

type AdminTaskList struct {
	Items []domain.AdminTaskView `json:"items"`
}

type WorkerTaskList struct {
	Items []domain.WorkerTaskView `json:"items"`
}

type NotificationList struct {
	Items []domain.NotificationRecord `json:"items"`
}

type StatsResponse struct {
	Admins      int                  `json:"admins"`
	Workers     int                  `json:"workers"`
	AdminTasks  []domain.StatusCount `json:"admin_tasks"`
	WorkerTasks []domain.StatusCount `json:"worker_tasks"`
	Delivered   int                  `json:"delivered"`
	Failed      int                  `json:"failed"`
}
