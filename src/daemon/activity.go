package daemon

import "github.com/storedaemon/client/src/workerproto"

// Field is one element of a START_ACTIVITY/RESULT fields list: either a
// u64 or a string, tagged on the wire.
type Field struct {
	Tag workerproto.FieldTag
	Int uint64
	Str string
}

// Activity is forwarded to the logger for a START_ACTIVITY message.
type Activity struct {
	ID     uint64
	Level  uint64
	Type   uint64
	Text   string
	Fields []Field
	Parent uint64
}

// ActivityResult is forwarded to the logger for a RESULT message.
type ActivityResult struct {
	ID     uint64
	Type   uint64
	Fields []Field
}

// EventLogger receives the structured half of the stderr sub-protocol:
// everything except WRITE/READ (which flow through the sink/source) and
// ERROR (which is captured and returned, not logged).
type EventLogger interface {
	Next(line string)
	StartActivity(a Activity)
	StopActivity(id uint64)
	Result(r ActivityResult)
}

// DiscardEventLogger drops every event. It is the default when a caller
// doesn't care about daemon progress output.
type DiscardEventLogger struct{}

func (DiscardEventLogger) Next(string)            {}
func (DiscardEventLogger) StartActivity(Activity) {}
func (DiscardEventLogger) StopActivity(uint64)    {}
func (DiscardEventLogger) Result(ActivityResult)  {}
