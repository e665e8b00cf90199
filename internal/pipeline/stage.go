package pipeline

import (
	"go.uber.org/zap"

	"cirrus-device/internal/ioterr"
)

// Stage is one link in the pipeline chain. Operations flow down (RunOp),
// events flow up (HandleEvent). Concrete stages embed StageBase, which
// provides default pass-through behavior and the delegation primitives.
//
// RunOp and HandleEvent are only ever invoked on the pipeline executor;
// stage-local state needs no locking.
type Stage interface {
	Name() string
	RunOp(op Operation)
	HandleEvent(ev Event)

	attach(self Stage, prev, next Stage, root *Root)
}

// StageBase supplies the wiring and primitives shared by all stages. The
// zero value is not usable; construct with NewStageBase.
type StageBase struct {
	name string

	// Non-owning pointers established at pipeline build and never mutated
	// afterwards. Only the Pipeline owns stages.
	self Stage
	prev Stage
	next Stage
	root *Root
}

// NewStageBase names the stage for logging.
func NewStageBase(name string) StageBase {
	return StageBase{name: name}
}

func (s *StageBase) Name() string { return s.name }

func (s *StageBase) attach(self Stage, prev, next Stage, root *Root) {
	s.self = self
	s.prev = prev
	s.next = next
	s.root = root
}

// RunOp passes unknown operations to the next stage. Stages override it with
// a type switch over the kinds they handle.
func (s *StageBase) RunOp(op Operation) {
	s.PassDown(op)
}

// HandleEvent passes unknown events to the previous stage.
func (s *StageBase) HandleEvent(ev Event) {
	s.PassUp(ev)
}

// Logger returns the pipeline logger.
func (s *StageBase) Logger() *zap.Logger {
	return s.root.pl.logger
}

// Root returns the pipeline's root stage.
func (s *StageBase) Root() *Root {
	return s.root
}

// Complete terminates the operation with the given error (nil for success).
// The completion callback fires on the callback executor.
func (s *StageBase) Complete(op Operation, err error) {
	s.root.pl.completeOp(op, err)
}

// PassDown hands the operation to the next stage unchanged. An operation
// that falls off the bottom of the pipeline was handled by no stage and
// fails.
func (s *StageBase) PassDown(op Operation) {
	if s.next == nil {
		s.Logger().Error("operation reached end of pipeline unhandled",
			zap.String("stage", s.name))
		s.Complete(op, ioterr.New(ioterr.KindInvalidArgument, "no stage handled operation %T", op))
		return
	}
	s.next.RunOp(op)
}

// PassUp hands the event to the previous stage unchanged.
func (s *StageBase) PassUp(ev Event) {
	if s.prev == nil {
		s.Logger().Debug("event dropped at top of pipeline",
			zap.String("stage", s.name))
		return
	}
	s.prev.HandleEvent(ev)
}

// Delegate replaces the operation with a new one that runs through the
// pipeline from this stage. The original completes when the child does,
// inheriting the child's error.
func (s *StageBase) Delegate(orig, child Operation) {
	s.DelegateThen(orig, child, nil)
}

// DelegateThen is Delegate with a hook that runs on the child's success,
// before the original completes; stages use it to copy child results onto
// the original.
func (s *StageBase) DelegateThen(orig, child Operation, then func(child Operation)) {
	child.Base().Callback = func(c Operation) {
		if err := c.Base().Err; err != nil {
			s.Complete(orig, err)
			return
		}
		if then != nil {
			then(c)
		}
		s.Complete(orig, nil)
	}
	s.self.RunOp(child)
}

// RunSerial runs the child operations one after another, starting each from
// this stage when its predecessor succeeds. The original completes with the
// first failure, or with success once every child has completed.
func (s *StageBase) RunSerial(orig Operation, children ...Operation) {
	if len(children) == 0 {
		s.Complete(orig, nil)
		return
	}
	var runFrom func(i int)
	runFrom = func(i int) {
		child := children[i]
		child.Base().Callback = func(c Operation) {
			if err := c.Base().Err; err != nil {
				s.Complete(orig, err)
				return
			}
			if i+1 == len(children) {
				s.Complete(orig, nil)
				return
			}
			// Completion callbacks run on the callback executor; the
			// next child must run on the pipeline executor.
			s.root.pl.invokePipeline(func() {
				runFrom(i + 1)
			})
		}
		s.self.RunOp(child)
	}
	runFrom(0)
}

// EmitEvent sends an event up the pipeline starting at this stage. Safe to
// call from any goroutine; the event is dispatched on the pipeline executor.
func (s *StageBase) EmitEvent(ev Event) {
	s.root.pl.invokePipeline(func() {
		s.self.HandleEvent(ev)
	})
}
