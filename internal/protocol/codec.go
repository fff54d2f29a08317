package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPayload is returned by Decode when a payload fails validation.
var ErrInvalidPayload = errors.New("invalid payload")

// validator is implemented by payloads that can check their own shape.
type validator interface {
	validate() error
}

// Decode unmarshals raw into T and validates it when T knows how.
// Every inbound payload passes through here before reaching components.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if vv, ok := any(&v).(validator); ok {
		if err := vv.validate(); err != nil {
			return v, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return v, nil
}

func (r *JoinRoomResponse) validate() error {
	if len(r.RtpCapabilities.Codecs) == 0 {
		return errors.New("router capabilities carry no codecs")
	}
	return nil
}

func (p *TransportParams) validate() error {
	switch {
	case p.ID == "":
		return errors.New("transport id missing")
	case p.ICEParameters.UsernameFragment == "" || p.ICEParameters.Password == "":
		return errors.New("ice parameters missing")
	case len(p.DTLSParameters.Fingerprints) == 0:
		return errors.New("dtls fingerprints missing")
	}
	return nil
}

func (r *ConsumeResponse) validate() error {
	switch {
	case r.ID == "":
		return errors.New("consumer id missing")
	case r.ProducerID == "":
		return errors.New("producer id missing")
	case !r.Kind.Valid():
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	return nil
}

func (r *ProduceResponse) validate() error {
	if r.ID == "" {
		return errors.New("producer id missing")
	}
	return nil
}

func (e *NewProducerEvent) validate() error {
	if e.ProducerID == "" {
		return errors.New("producer id missing")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}

func (e *ProducerClosedNotice) validate() error {
	if e.ProducerID == "" {
		return errors.New("producer id missing")
	}
	return nil
}

func (e *ParticipantEvent) validate() error {
	if e.UserID == "" {
		return errors.New("user id missing")
	}
	return nil
}

func (r *GetProducersResponse) validate() error {
	for i, p := range r.Producers {
		if p.ProducerID == "" || !p.Kind.Valid() {
			return fmt.Errorf("producer #%d malformed", i)
		}
	}
	return nil
}
