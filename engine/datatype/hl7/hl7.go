// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package hl7 implements the HL7v2 data type: ER7 header parsing, indexed
// metadata extraction, acknowledgment generation, and ACK-aware response
// validation.
package hl7

import (
	"bytes"
	"strings"

	"github.com/zeebo/errs"

	"github.com/meridian-hie/meridian/engine/datatype"
)

// Error is the default hl7 errs class.
var Error = errs.Class("hl7")

// Name is the data-type name channels configure.
const Name = "HL7V2"

// Message holds the MSH header fields the engine needs. The body segments
// pass through untouched.
type Message struct {
	FieldSeparator       byte
	EncodingChars        string
	SendingApplication   string
	SendingFacility      string
	ReceivingApplication string
	ReceivingFacility    string
	Timestamp            string
	MessageType          string
	ControlID            string
	ProcessingID         string
	Version              string
}

// Parse reads the MSH segment of an ER7 message. Segment terminators may
// be CR, LF, or CRLF.
func Parse(data []byte) (*Message, error) {
	segment := firstSegment(data)
	if len(segment) < 8 || !bytes.HasPrefix(segment, []byte("MSH")) {
		return nil, Error.New("missing MSH segment")
	}

	sep := segment[3]
	fields := strings.Split(string(segment[4:]), string(sep))
	// fields[0] is MSH-2; MSH-1 is the separator itself.
	field := func(n int) string {
		if i := n - 2; i >= 0 && i < len(fields) {
			return fields[i]
		}
		return ""
	}

	return &Message{
		FieldSeparator:       sep,
		EncodingChars:        field(2),
		SendingApplication:   field(3),
		SendingFacility:      field(4),
		ReceivingApplication: field(5),
		ReceivingFacility:    field(6),
		Timestamp:            field(7),
		MessageType:          field(9),
		ControlID:            field(10),
		ProcessingID:         field(11),
		Version:              field(12),
	}, nil
}

// EventType renders MSH-9 with its components joined by dashes, the form
// the indexed mirth_type column stores (ADT^A01 becomes ADT-A01).
func (msg *Message) EventType() string {
	componentSep := byte('^')
	if len(msg.EncodingChars) > 0 {
		componentSep = msg.EncodingChars[0]
	}
	parts := strings.Split(msg.MessageType, string(componentSep))
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	default:
		return parts[0] + "-" + parts[1]
	}
}

func firstSegment(data []byte) []byte {
	end := len(data)
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		end = i
	}
	return data[:end]
}

// Codec is the HL7v2 datatype.Codec. XML serialization belongs to the
// external transformer collaborators, so conversions return nil; metadata
// extraction is what the engine itself needs.
type Codec struct{}

// Name implements datatype.Codec.
func (Codec) Name() string { return Name }

// ToXML implements datatype.Codec.
func (Codec) ToXML(data []byte) ([]byte, error) { return nil, nil }

// FromXML implements datatype.Codec.
func (Codec) FromXML(xml []byte) ([]byte, error) { return nil, nil }

// MetaData implements datatype.Codec. Source is the sending facility,
// type the dash-joined event, version the MSH-12 value. Unparseable
// content yields empty metadata rather than an error.
func (Codec) MetaData(data []byte) datatype.MetaData {
	msg, err := Parse(data)
	if err != nil {
		return datatype.MetaData{}
	}
	return datatype.MetaData{
		Source:  msg.SendingFacility,
		Type:    msg.EventType(),
		Version: msg.Version,
	}
}

// SerializationRequired implements datatype.Codec.
func (Codec) SerializationRequired() bool { return false }
