package domain

import "time"

// Stage names a pipeline transition driven by a queued task.
type Stage string

const (
	StageFetch    Stage = "fetch"
	StageScreen   Stage = "screen"
	StageGenerate Stage = "generate"
	StagePublish  Stage = "publish"
)

// ExpectEnabled is the expected status carried by fetch tasks.
const ExpectEnabled = "enabled"

// Task is one queue message: the subject and the status it expects to find.
type Task struct {
	ID             int64
	Stage          Stage
	SubjectID      string
	ExpectedStatus string
	AvailableAt    time.Time
	Deliveries     int
	LeaseOwner     string
}
