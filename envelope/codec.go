package envelope

import (
	"encoding/json"
	"strings"

	"github.com/vinayprograms/relay/errors"
)

// Marshal serializes the envelope to its compact wire form.
func Marshal(e Envelope) ([]byte, error) {
	if e.Payload == nil {
		e.Payload = make(map[string]interface{})
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInternal, "encoding envelope",
			errors.WithMessageID(e.Header.MessageID))
	}
	return data, nil
}

// Unmarshal decodes an envelope from its wire form. Task kinds are
// normalized so that "extraction" and "EXTRACTION" decode identically.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errors.WrapWithCode(err, errors.ErrCodeDecode, "decoding envelope")
	}
	if e.Header.MessageID == "" {
		return Envelope{}, errors.New(errors.ErrCodeDecode, "decoding envelope: missing header.message_id")
	}
	e.Header.TaskKind = TaskKind(strings.ToUpper(string(e.Header.TaskKind)))
	e.Header.ActorRole = ActorRole(strings.ToLower(string(e.Header.ActorRole)))
	if e.Payload == nil {
		e.Payload = make(map[string]interface{})
	}
	return e, nil
}
