package netmon

import "context"

// ManualSource is a push-driven Source for tests and simulated connectivity.
type ManualSource struct {
	ch chan Path
}

// NewManualSource returns a source with a small notification buffer.
func NewManualSource() *ManualSource {
	return &ManualSource{ch: make(chan Path, 16)}
}

// Publish queues a notification. It blocks while the buffer is full.
func (s *ManualSource) Publish(p Path) { s.ch <- p }

// SetOnline is shorthand for publishing a satisfied or unsatisfied path over
// the given interfaces.
func (s *ManualSource) SetOnline(online bool, kinds ...Kind) {
	s.Publish(Path{Satisfied: online, Interfaces: kinds})
}

func (s *ManualSource) Run(ctx context.Context, emit func(Path)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-s.ch:
			emit(p)
		}
	}
}

// Fixed reports a single path and then stays quiet. It pins the monitor
// online or offline.
type Fixed Path

func (f Fixed) Run(ctx context.Context, emit func(Path)) error {
	emit(Path(f))
	<-ctx.Done()
	return nil
}
