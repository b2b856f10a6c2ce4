package pipeline

import "time"

// EventType enumerates the pipeline events surfaced to the UI layer.
type EventType int

const (
	// EventSpeechStart fires when the segmenter enters speech.
	EventSpeechStart EventType = iota

	// EventSpeechEnd fires when a speech segment closes.
	EventSpeechEnd

	// EventTranscript carries the text of a transcribed segment.
	EventTranscript

	// EventQuestion carries a detected, deduplicated question.
	EventQuestion

	// EventAnswerToken carries one streamed answer token.
	EventAnswerToken

	// EventAnswerDone carries the complete answer text.
	EventAnswerDone

	// EventError carries a non-fatal pipeline error.
	EventError
)

// String implements fmt.Stringer.
func (t EventType) String() string {
	switch t {
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	case EventTranscript:
		return "transcript"
	case EventQuestion:
		return "question"
	case EventAnswerToken:
		return "answer_token"
	case EventAnswerDone:
		return "answer_done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one pipeline notification. Which fields are set depends on Type:
// Text and Language for transcripts and questions, Text for answer tokens
// and completed answers, Err for errors.
type Event struct {
	Type     EventType
	Text     string
	Language string
	Err      error
	Time     time.Time
}

// emit delivers ev to the events channel without blocking. A slow or absent
// consumer loses events rather than stalling the audio path.
func (p *Pipeline) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Debug("event dropped, consumer too slow", "type", ev.Type.String())
	}
}
