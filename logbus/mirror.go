package logbus

import (
	"fmt"
	"strings"

	"github.com/epeer1/axon-vision-ha/natsclient"
)

// SubjectPrefix is the root of every mirrored log subject.
const SubjectPrefix = "vidpipe.logs"

// Subject returns the NATS subject entries of a stage are mirrored to.
func Subject(runID, stage string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, token(runID), token(stage))
}

// token makes s usable as one subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

// NATSMirror publishes entries to NATS. Publishing is fire-and-forget: a
// disconnected client only counts the loss.
type NATSMirror struct {
	client *natsclient.Client
}

// NewNATSMirror mirrors through a connected client.
func NewNATSMirror(client *natsclient.Client) *NATSMirror {
	return &NATSMirror{client: client}
}

// Mirror publishes e on Subject(e.RunID, e.Stage).
func (m *NATSMirror) Mirror(e Entry) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	return m.client.Publish(Subject(e.RunID, e.Stage), data)
}
