package job

// EventBus topics joining the supervisor, the batch coordinator and the
// notification fan-out. Delivery is best-effort; polling the store is the
// authoritative read path.
const (
	TopicProgress      = "job:progress"
	TopicBatchProgress = "job:batchProgress"
	TopicCompleted     = "job:completed"
	TopicError         = "job:error"
)

type ProgressEvent struct {
	Id       string `json:"id"`
	Progress int    `json:"progress"`
}

type BatchProgressEvent struct {
	Id        string `json:"id"`
	Progress  int    `json:"progress"`
	Completed int    `json:"completed"`
	Size      int    `json:"size"`
}

// CompletedEvent carries a summary of the committed library item.
type CompletedEvent struct {
	Id        string `json:"id"`
	Title     string `json:"title"`
	MediaPath string `json:"mediaPath"`
}

type ErrorEvent struct {
	Id    string `json:"id"`
	Error string `json:"error"`
}
