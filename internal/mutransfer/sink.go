package mutransfer

// SinkKind tags which variant of Sink a frame should be dispatched to,
// replacing a nullable callback slot with an explicit closed sum.
type SinkKind int

const (
	SinkQueue SinkKind = iota
	SinkCallback
	SinkBoth
)

// Sink is the tagged variant the transfer engine dispatches each frame to
// exactly once. Queue and Callback may both be set; callers needing
// broadcast or persistence as well wrap this with their own fan-out.
type Sink struct {
	Kind     SinkKind
	Queue    FrameSink
	Callback func(Frame)
}

// FrameSink is satisfied by internal/muqueue.Queue; declared here to avoid
// an import cycle between mutransfer and muqueue.
type FrameSink interface {
	Push(Frame)
}

// Dispatch delivers a frame to the sink's configured variant(s).
func (s Sink) Dispatch(f Frame) {
	switch s.Kind {
	case SinkQueue:
		if s.Queue != nil {
			s.Queue.Push(f)
		}
	case SinkCallback:
		if s.Callback != nil {
			s.Callback(f)
		}
	case SinkBoth:
		if s.Queue != nil {
			s.Queue.Push(f)
		}
		if s.Callback != nil {
			s.Callback(f)
		}
	}
}
