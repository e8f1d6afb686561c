// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package datatype_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"

	"github.com/meridian-hie/meridian/engine/datatype"
	"github.com/meridian-hie/meridian/engine/datatype/hl7"
	"github.com/meridian-hie/meridian/engine/msgstore"
)

func TestRegistry(t *testing.T) {
	registry := datatype.NewRegistry()

	// Raw is pre-registered and doubles as the empty name.
	codec, err := registry.Codec("")
	require.NoError(t, err)
	require.Equal(t, datatype.NameRaw, codec.Name())
	require.False(t, codec.SerializationRequired())

	_, err = registry.Codec("HL7V2")
	require.Error(t, err)

	registry.Register(hl7.Codec{})
	codec, err = registry.Codec("HL7V2")
	require.NoError(t, err)
	require.Equal(t, hl7.Name, codec.Name())

	require.Equal(t, []string{"HL7V2", "RAW"}, registry.Names())
}

func TestRegistry_Defaults(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	registry := datatype.NewRegistry()

	// Unconfigured data types fall back to no-content responses and
	// accept-all validation.
	response, err := registry.Responder("RAW").Respond(ctx, []byte("x"), nil, msgstore.StatusTransformed)
	require.NoError(t, err)
	require.Nil(t, response)

	require.NoError(t, registry.Validator("RAW").Validate(ctx, []byte("anything")))

	registry.RegisterResponder(hl7.Name, hl7.NewACKGenerator(hl7.ResponderConfig{}))
	registry.RegisterValidator(hl7.Name, hl7.ACKValidator{})

	response, err = registry.Responder(hl7.Name).Respond(ctx, []byte("MSH|^~\\&|A|B|C|D|1||ADT^A01|M1|P|2.3\r"), nil, msgstore.StatusTransformed)
	require.NoError(t, err)
	require.Contains(t, string(response.Data), "MSA|AA|M1")
}
