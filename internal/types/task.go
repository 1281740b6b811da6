package types

// TotalChunked marks a resource whose length is unknown until the stream ends.
const TotalChunked int64 = -1

// Task is the persisted record of one (url, path) download.
type Task struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	Path            string `json:"path"`
	PathAsDirectory bool   `json:"path_as_directory,omitempty"`
	Filename        string `json:"filename,omitempty"`
	Status          Status `json:"status"`
	SoFar           int64  `json:"so_far"`
	Total           int64  `json:"total"`
	ETag            string `json:"etag,omitempty"`
	ConnectionCount int    `json:"connection_count"`
	ErrMsg          string `json:"error,omitempty"`
}

// IsChunked reports whether the resource length is unknown.
func (t *Task) IsChunked() bool {
	return t.Total == TotalChunked
}

// TargetPath is where the finished file lives. For directory tasks it is only
// known once the filename has been resolved.
func (t *Task) TargetPath() string {
	return TargetPath(t.Path, t.PathAsDirectory, t.Filename)
}

// TempPath is the partial file the download is written to before the final rename.
func (t *Task) TempPath() string {
	target := t.TargetPath()
	if target == "" {
		return ""
	}
	return TempPath(target)
}

// Connection is the persisted checkpoint of one range of a multi-connection task.
// EndOffset is inclusive; 0 on the last range means "to the end of the resource".
type Connection struct {
	TaskID        string `json:"task_id"`
	Index         int    `json:"index"`
	StartOffset   int64  `json:"start"`
	CurrentOffset int64  `json:"current"`
	EndOffset     int64  `json:"end"`
}

// Fetched is the number of bytes of this range already checkpointed.
func (c Connection) Fetched() int64 {
	return c.CurrentOffset - c.StartOffset
}

// Remaining is the byte count left in the range; total resolves an open end.
func (c Connection) Remaining(total int64) int64 {
	end := c.EndOffset
	if end == 0 {
		end = total - 1
	}
	return end - c.CurrentOffset + 1
}
