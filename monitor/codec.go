// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. Same logical data always
// produces identical bytes.
var encMode cbor.EncMode

// decMode is the CBOR decoder configured to accept standard CBOR.
// Unknown fields are silently ignored for forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("monitor: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// When the decoder's target is any, pick map[string]any
		// rather than the CBOR default map[interface{}]interface{},
		// which is incompatible with encoding/json and most Go code.
		// Struct field decoding is unaffected.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("monitor: CBOR decoder initialization failed: " + err.Error())
	}
}

// newEncoder returns a CBOR stream encoder writing to w.
func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// newDecoder returns a CBOR stream decoder reading from r.
func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
