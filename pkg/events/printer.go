package events

import (
	"fmt"
	"io"

	"github.com/ThreeDotsLabs/watermill/message"
	"gopkg.in/yaml.v3"
)

// StepPrinterFunc returns a router handler that renders events for a terminal: streamed
// text as it arrives, tool calls and results as YAML.
func StepPrinterFunc(name string, w io.Writer) func(msg *message.Message) error {
	isFirst := true

	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJSON(msg.Payload)
		if err != nil {
			return err
		}
		return PrintEvent(w, e, func() error {
			if isFirst && name != "" {
				isFirst = false
				_, err := fmt.Fprintf(w, "\n%s: \n", name)
				return err
			}
			return nil
		})
	}
}

// PrintEvent renders a single event. header runs before the first streamed text.
func PrintEvent(w io.Writer, e Event, header func() error) error {
	switch ev := e.(type) {
	case *EventPartStart:
		if ev.Content == "" {
			return nil
		}
		if header != nil {
			if err := header(); err != nil {
				return err
			}
		}
		_, err := fmt.Fprint(w, ev.Content)
		return err

	case *EventPartDelta:
		if ev.ContentDelta == "" {
			return nil
		}
		if header != nil {
			if err := header(); err != nil {
				return err
			}
		}
		_, err := fmt.Fprint(w, ev.ContentDelta)
		return err

	case *EventFunctionToolCall:
		v, err := yaml.Marshal(map[string]interface{}{
			"call": map[string]interface{}{
				"id":        ev.ToolCall.ID,
				"name":      ev.ToolCall.Name,
				"arguments": ev.ToolCall.Arguments,
			},
		})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "\n%s", v)
		return err

	case *EventFunctionToolResult:
		v, err := yaml.Marshal(map[string]interface{}{"result": ev.ToolResult})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s", v)
		return err

	case *EventFinalResult:
		if ev.ToolName == "" {
			_, err := fmt.Fprintln(w)
			return err
		}
		_, err := fmt.Fprintf(w, "\n[final result via %s]\n", ev.ToolName)
		return err

	case *EventError:
		_, err := fmt.Fprintf(w, "\n[error] %s\n", ev.ErrorString)
		return err

	default:
		return nil
	}
}
