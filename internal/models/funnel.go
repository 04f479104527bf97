package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// StepKind is the authoring tag of a funnel step.
type StepKind string

const (
	StepKindText      StepKind = "text"
	StepKindImage     StepKind = "image"
	StepKindVideo     StepKind = "video"
	StepKindImageText StepKind = "image+text"
	StepKindVideoText StepKind = "video+text"
	StepKindDelay     StepKind = "delay"
	StepKindTyping    StepKind = "typing"
	StepKindWaitReply StepKind = "wait_reply"
)

// IsMessage reports whether the kind delivers a message payload.
func (k StepKind) IsMessage() bool {
	switch k {
	case StepKindText, StepKindImage, StepKindVideo, StepKindImageText, StepKindVideoText:
		return true
	}
	return false
}

// NeedsMedia reports whether the kind carries a media reference.
func (k StepKind) NeedsMedia() bool {
	return k.IsMessage() && k != StepKindText
}

// DefaultTypingSeconds is used when showTyping is set without a duration.
const DefaultTypingSeconds = 3

var validate = validator.New()

// ReplyGate is the reply-wait configuration shared by every step that suspends
// a conversation until the recipient answers or a timeout fires.
type ReplyGate struct {
	TimeoutMinutes int  `json:"timeoutMinutes,omitempty"`
	NextOnReply    *int `json:"nextOnReply,omitempty"`
	NextOnTimeout  *int `json:"nextOnTimeout,omitempty"`
}

// Timeout returns the gate timeout expressed in the given minute unit, or zero
// when the gate never times out.
func (g ReplyGate) Timeout(minute time.Duration) time.Duration {
	if g.TimeoutMinutes <= 0 {
		return 0
	}
	return time.Duration(g.TimeoutMinutes) * minute
}

// StepCommon holds the fields every step variant may declare.
type StepCommon struct {
	ID            string
	DelayBefore   int // seconds to wait before executing the step
	ShowTyping    bool
	TypingSeconds int
}

// Step is one unit of funnel behavior. Implementations are MessageStep,
// DelayStep, TypingStep and WaitReplyStep.
type Step interface {
	Kind() StepKind
	Common() StepCommon
	// Gate returns the reply gate of the step and whether the step suspends
	// the conversation until a reply.
	Gate() (ReplyGate, bool)
}

// MessageStep delivers text and/or media to the recipient.
type MessageStep struct {
	StepCommon
	Type         StepKind
	Text         string
	MediaURL     string
	WaitForReply bool
	ReplyGate
}

func (s MessageStep) Kind() StepKind          { return s.Type }
func (s MessageStep) Common() StepCommon      { return s.StepCommon }
func (s MessageStep) Gate() (ReplyGate, bool) { return s.ReplyGate, s.WaitForReply }

// DelayStep suspends the conversation for Seconds before continuing.
type DelayStep struct {
	StepCommon
	Seconds int
}

func (s DelayStep) Kind() StepKind          { return StepKindDelay }
func (s DelayStep) Common() StepCommon      { return s.StepCommon }
func (s DelayStep) Gate() (ReplyGate, bool) { return ReplyGate{}, false }

// TypingStep shows a composing indicator for TypingSeconds before continuing.
type TypingStep struct {
	StepCommon
}

func (s TypingStep) Kind() StepKind          { return StepKindTyping }
func (s TypingStep) Common() StepCommon      { return s.StepCommon }
func (s TypingStep) Gate() (ReplyGate, bool) { return ReplyGate{}, false }

// WaitReplyStep suspends the conversation without sending anything.
type WaitReplyStep struct {
	StepCommon
	ReplyGate
}

func (s WaitReplyStep) Kind() StepKind          { return StepKindWaitReply }
func (s WaitReplyStep) Common() StepCommon      { return s.StepCommon }
func (s WaitReplyStep) Gate() (ReplyGate, bool) { return s.ReplyGate, true }

// stepDocument is the flat JSON authoring form of a step.
type stepDocument struct {
	ID             string   `json:"id,omitempty"`
	Type           StepKind `json:"type"`
	Text           string   `json:"text,omitempty"`
	MediaURL       string   `json:"mediaUrl,omitempty"`
	WaitForReply   bool     `json:"waitForReply,omitempty"`
	TimeoutMinutes int      `json:"timeoutMinutes,omitempty"`
	NextOnReply    *int     `json:"nextOnReply,omitempty"`
	NextOnTimeout  *int     `json:"nextOnTimeout,omitempty"`
	DelaySeconds   int      `json:"delaySeconds,omitempty"`
	TypingSeconds  int      `json:"typingSeconds,omitempty"`
	DelayBefore    int      `json:"delayBefore,omitempty"`
	ShowTyping     bool     `json:"showTyping,omitempty"`
}

func (d stepDocument) toStep() (Step, error) {
	common := StepCommon{
		ID:            d.ID,
		DelayBefore:   d.DelayBefore,
		ShowTyping:    d.ShowTyping,
		TypingSeconds: d.TypingSeconds,
	}
	gate := ReplyGate{
		TimeoutMinutes: d.TimeoutMinutes,
		NextOnReply:    d.NextOnReply,
		NextOnTimeout:  d.NextOnTimeout,
	}

	switch {
	case d.Type.IsMessage():
		return MessageStep{
			StepCommon:   common,
			Type:         d.Type,
			Text:         d.Text,
			MediaURL:     d.MediaURL,
			WaitForReply: d.WaitForReply,
			ReplyGate:    gate,
		}, nil
	case d.Type == StepKindDelay:
		return DelayStep{StepCommon: common, Seconds: d.DelaySeconds}, nil
	case d.Type == StepKindTyping:
		common.ShowTyping = false
		return TypingStep{StepCommon: common}, nil
	case d.Type == StepKindWaitReply:
		return WaitReplyStep{StepCommon: common, ReplyGate: gate}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStepKind, d.Type)
}

func stepToDocument(s Step) stepDocument {
	c := s.Common()
	d := stepDocument{
		ID:            c.ID,
		Type:          s.Kind(),
		DelayBefore:   c.DelayBefore,
		ShowTyping:    c.ShowTyping,
		TypingSeconds: c.TypingSeconds,
	}
	switch v := s.(type) {
	case MessageStep:
		d.Text = v.Text
		d.MediaURL = v.MediaURL
		d.WaitForReply = v.WaitForReply
		d.TimeoutMinutes = v.TimeoutMinutes
		d.NextOnReply = v.NextOnReply
		d.NextOnTimeout = v.NextOnTimeout
	case DelayStep:
		d.DelaySeconds = v.Seconds
	case WaitReplyStep:
		d.TimeoutMinutes = v.TimeoutMinutes
		d.NextOnReply = v.NextOnReply
		d.NextOnTimeout = v.NextOnTimeout
	}
	return d
}

// Steps is the ordered step list of a funnel, encoded as tagged JSON objects.
type Steps []Step

// UnmarshalJSON decodes each element by its "type" tag.
func (s *Steps) UnmarshalJSON(data []byte) error {
	var docs []stepDocument
	if err := json.Unmarshal(data, &docs); err != nil {
		return err
	}
	steps := make(Steps, 0, len(docs))
	for i, d := range docs {
		step, err := d.toStep()
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, step)
	}
	*s = steps
	return nil
}

// MarshalJSON encodes the steps in their flat authoring form.
func (s Steps) MarshalJSON() ([]byte, error) {
	docs := make([]stepDocument, 0, len(s))
	for _, step := range s {
		docs = append(docs, stepToDocument(step))
	}
	return json.Marshal(docs)
}

// Funnel is a named, ordered template of steps.
type Funnel struct {
	ID    string `json:"id" validate:"required,max=64"`
	Name  string `json:"name" validate:"required"`
	Steps Steps  `json:"steps" validate:"required,min=1"`
	// ExpiredStep is where a pending-payment conversation jumps when the
	// payment window closes. When nil the last step is used.
	ExpiredStep *int      `json:"expiredStep,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// Step returns the step at index i, or false when i is out of range.
func (f *Funnel) Step(i int) (Step, bool) {
	if f == nil || i < 0 || i >= len(f.Steps) {
		return nil, false
	}
	return f.Steps[i], true
}

// ExpiredIndex resolves the step a pending-payment conversation jumps to on expiry.
func (f *Funnel) ExpiredIndex() int {
	if f.ExpiredStep != nil {
		return *f.ExpiredStep
	}
	return len(f.Steps) - 1
}

// Validate checks required fields, step payloads and that every step
// reference points inside the funnel.
func (f *Funnel) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFunnel, err)
	}

	inRange := func(p *int) bool {
		return p == nil || (*p >= 0 && *p < len(f.Steps))
	}

	for i, step := range f.Steps {
		c := step.Common()
		if c.DelayBefore < 0 || c.TypingSeconds < 0 {
			return fmt.Errorf("%w: step %d has a negative duration", ErrInvalidFunnel, i)
		}
		switch v := step.(type) {
		case MessageStep:
			if v.Type.NeedsMedia() && v.MediaURL == "" {
				return fmt.Errorf("%w: step %d (%s) requires mediaUrl", ErrInvalidFunnel, i, v.Type)
			}
			if v.Type == StepKindText && v.Text == "" {
				return fmt.Errorf("%w: step %d requires text", ErrInvalidFunnel, i)
			}
		case DelayStep:
			if v.Seconds < 0 {
				return fmt.Errorf("%w: step %d has a negative delay", ErrInvalidFunnel, i)
			}
		}
		gate, _ := step.Gate()
		if gate.TimeoutMinutes < 0 {
			return fmt.Errorf("%w: step %d has a negative timeout", ErrInvalidFunnel, i)
		}
		if !inRange(gate.NextOnReply) {
			return fmt.Errorf("%w: step %d nextOnReply=%d out of range", ErrInvalidFunnel, i, *gate.NextOnReply)
		}
		if !inRange(gate.NextOnTimeout) {
			return fmt.Errorf("%w: step %d nextOnTimeout=%d out of range", ErrInvalidFunnel, i, *gate.NextOnTimeout)
		}
	}

	if !inRange(f.ExpiredStep) {
		return fmt.Errorf("%w: expiredStep=%d out of range", ErrInvalidFunnel, *f.ExpiredStep)
	}
	return nil
}
