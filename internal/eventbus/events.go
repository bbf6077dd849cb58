package eventbus

// Event types published by the quiz runtime.
const (
	DeliveryStarted  = "delivery.started"
	DeliveryFinished = "delivery.finished"
	DeliveryFailed   = "delivery.failed"

	ScheduleStatus = "schedule.status"

	SequenceStatus = "sequence.status"
	SequenceQuiz   = "sequence.quiz"

	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskRetrying = "task.retrying"
	TaskDropped  = "task.dropped"
)

type DeliveryInfo struct {
	SessionKey   string `json:"session_key"`
	ContentRef   string `json:"content_ref"`
	ChatID       int64  `json:"chat_id"`
	Title        string `json:"title,omitempty"`
	Questions    int    `json:"questions,omitempty"`
	Posted       int    `json:"posted,omitempty"`
	Skipped      int    `json:"skipped,omitempty"`
	Participants int    `json:"participants,omitempty"`
	Error        string `json:"error,omitempty"`
}

type ScheduleInfo struct {
	ID     string `json:"id"`
	Owner  int64  `json:"owner"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type SequenceInfo struct {
	ID     string `json:"id"`
	Owner  int64  `json:"owner"`
	Status string `json:"status"`
	Index  int    `json:"index"`
	Total  int    `json:"total"`
}

type SequenceQuizInfo struct {
	SequenceID string `json:"sequence_id"`
	Index      int    `json:"index"`
	ContentRef string `json:"content_ref"`
	Status     string `json:"status"`
}
