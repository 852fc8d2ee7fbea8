package bus

import (
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
)

type InboundMessage struct {
	Channel       string
	SenderID      string
	ChatID        string
	Content       string
	Timestamp     time.Time
	Metadata      map[string]any
	ContentBlocks []model.ContentBlock // images attached to the message
	Callback      *Callback            // set when the update is a button press
}

// Callback is a confirm/cancel button press on a pending action.
type Callback struct {
	QueryID  string
	Decision string
	Token    string
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// Image returns the first image block, if any.
func (m *InboundMessage) Image() (model.ContentBlock, bool) {
	for _, b := range m.ContentBlocks {
		if b.Type == model.ContentBlockImage && b.Data != "" {
			return b, true
		}
	}
	return model.ContentBlock{}, false
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Buttons  []Button
	Metadata map[string]any
}

// Button is one inline control; Data is echoed back in the callback.
type Button struct {
	Text string
	Data string
}
