package model

const (
	ImportStateCreated    = "created"
	ImportStateInProgress = "in_progress"
	ImportStateProcessed  = "processed"
	ImportStateErrored    = "errored"
)

const (
	TaskStateCreated    = "created"
	TaskStateProcessing = "processing"
	TaskStateCompleted  = "completed"
	TaskStateErrored    = "errored"
)

const (
	ItemTypePage     = "page"
	ItemTypeDatabase = "database"
)

// ImportInput carries service specific options chosen when the import was requested.
type ImportInput struct {
	Permission         string `json:"permission,omitempty"`
	ParentCollectionID string `json:"parent_collection_id,omitempty"`
}

type Import struct {
	ID            string
	TeamID        string
	Service       string
	State         string
	CreatedBy     string
	IntegrationID string
	Input         ImportInput
	Outstanding   int
	Error         string
	Ctime         int64
	Mtime         int64
}

func (i *Import) IsTerminal() bool {
	return i.State == ImportStateProcessed || i.State == ImportStateErrored
}

// TaskInput references one external item to be processed by a task.
type TaskInput struct {
	Type                 string `json:"type"`
	ExternalID           string `json:"external_id"`
	ParentExternalID     string `json:"parent_external_id,omitempty"`
	CollectionExternalID string `json:"collection_external_id,omitempty"`
}

// TaskOutput is the converted form of one TaskInput. Error is set instead of
// Content when the item vanished at the source between discovery and fetch.
type TaskOutput struct {
	ExternalID           string `json:"external_id"`
	ParentExternalID     string `json:"parent_external_id,omitempty"`
	CollectionExternalID string `json:"collection_external_id,omitempty"`
	Title                string `json:"title"`
	Emoji                string `json:"emoji,omitempty"`
	Content              *Doc   `json:"content,omitempty"`
	Error                string `json:"error,omitempty"`
}

type ImportTask struct {
	ID       string
	ImportID string
	State    string
	Input    []TaskInput
	Output   []TaskOutput
	Error    string
	Ctime    int64
	Mtime    int64
}

func (t *ImportTask) IsTerminal() bool {
	return t.State == TaskStateCompleted || t.State == TaskStateErrored
}

// ChildRef is a child page or database discovered inside a parent's blocks.
type ChildRef struct {
	Type       string
	ExternalID string
}

// PageRef is a top-level item of an external workspace.
type PageRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Emoji string `json:"emoji,omitempty"`
}
