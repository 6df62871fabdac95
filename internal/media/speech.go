package media

import "sync"

// Voice is a synthesis voice offered by a speech engine.
type Voice struct {
	Name    string `json:"name"`
	Lang    string `json:"lang"`
	Default bool   `json:"default"`
}

// Utterance is one request to speak.
type Utterance struct {
	Text   string
	Voice  *Voice
	Lang   string
	Rate   float64
	Pitch  float64
	Volume float64
}

// Speech tracks an utterance in flight.
type Speech struct {
	started *Signal
	ended   *Signal
	mu      sync.Mutex
	err     error
}

func NewSpeech() *Speech {
	return &Speech{started: NewSignal(), ended: NewSignal()}
}

func (s *Speech) MarkStarted() { s.started.Fire() }

// Finish ends the utterance. Started always fires before Ended.
func (s *Speech) Finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.started.Fire()
	s.ended.Fire()
}

func (s *Speech) Started() <-chan struct{} { return s.started.Done() }
func (s *Speech) Ended() <-chan struct{}   { return s.ended.Done() }

func (s *Speech) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
