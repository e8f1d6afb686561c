// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package hl7

import (
	"context"
	"strings"
	"time"

	"github.com/meridian-hie/meridian/engine/connector"
	"github.com/meridian-hie/meridian/engine/msgstore"
)

// Acknowledgment codes.
const (
	CodeAccept = "AA"
	CodeError  = "AE"
	CodeReject = "AR"
)

// ResponderConfig adjusts acknowledgment generation. The filtered code is
// configurable because some receivers treat AR as a hard failure and want
// filtered messages acknowledged differently.
type ResponderConfig struct {
	FilteredCode string
}

// ACKGenerator is the HL7v2 auto-responder. It acknowledges with the
// original control id and swaps the sender and receiver of the inbound
// header.
type ACKGenerator struct {
	filteredCode string

	nowFn func() time.Time
}

// NewACKGenerator creates an auto-responder for HL7v2 sources.
func NewACKGenerator(config ResponderConfig) *ACKGenerator {
	filteredCode := config.FilteredCode
	if filteredCode == "" {
		filteredCode = CodeReject
	}
	return &ACKGenerator{
		filteredCode: filteredCode,

		nowFn: time.Now,
	}
}

// Respond implements datatype.AutoResponder.
func (generator *ACKGenerator) Respond(ctx context.Context, raw, processed []byte, status msgstore.Status) (*connector.Response, error) {
	code := CodeAccept
	switch status {
	case msgstore.StatusError:
		code = CodeError
	case msgstore.StatusFiltered:
		code = generator.filteredCode
	}

	source := raw
	if len(processed) > 0 {
		source = processed
	}
	msg, err := Parse(source)
	if err != nil {
		msg = &Message{ProcessingID: "P", Version: "2.3"}
	}

	now := generator.nowFn().UTC().Format("20060102150405")
	version := msg.Version
	if version == "" {
		version = "2.3"
	}
	processingID := msg.ProcessingID
	if processingID == "" {
		processingID = "P"
	}

	header := strings.Join([]string{
		"MSH", "^~\\&",
		msg.ReceivingApplication, msg.ReceivingFacility,
		msg.SendingApplication, msg.SendingFacility,
		now, "", "ACK", now, processingID, version,
	}, "|")
	ack := header + "\r" + strings.Join([]string{"MSA", code, msg.ControlID}, "|") + "\r"

	return &connector.Response{
		Status:        status,
		Data:          []byte(ack),
		StatusMessage: "HL7 ACK " + code,
	}, nil
}

// TestingSetNow allows tests to have the generator act as if the current time is whatever they want.
func (generator *ACKGenerator) TestingSetNow(nowFn func() time.Time) {
	generator.nowFn = nowFn
}

// ACKValidator demotes a destination message to ERROR when the remote
// system answers with a rejecting acknowledgment. Responses without an MSA
// segment pass unchanged.
type ACKValidator struct{}

// Validate implements datatype.ResponseValidator.
func (ACKValidator) Validate(ctx context.Context, response []byte) error {
	code, text, ok := ackCode(response)
	if !ok {
		return nil
	}
	switch code {
	case CodeAccept, "CA":
		return nil
	default:
		if text != "" {
			return Error.New("remote acknowledged %s: %s", code, text)
		}
		return Error.New("remote acknowledged %s", code)
	}
}

func ackCode(response []byte) (code, text string, ok bool) {
	for _, line := range strings.FieldsFunc(string(response), func(r rune) bool {
		return r == '\r' || r == '\n'
	}) {
		if !strings.HasPrefix(line, "MSA") || len(line) < 4 {
			continue
		}
		fields := strings.Split(line[4:], string(line[3]))
		if len(fields) == 0 {
			return "", "", false
		}
		code = fields[0]
		if len(fields) >= 3 {
			text = fields[2]
		}
		return code, text, true
	}
	return "", "", false
}
