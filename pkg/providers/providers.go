// Package providers holds what the built-in handler packages share:
// decoding item properties and classifying provider failures.
//
// Each provider package exposes a Register function that binds its handler
// factories and its context provider into an engine.Registry:
//
//	reg := engine.NewDefaultRegistry()
//	if err := docker.Register(reg, docker.Options{}); err != nil {
//	    return err
//	}
package providers

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"

	"github.com/openfroyo/orchestra/pkg/engine"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeProperties converts an item's free-form properties into out, which
// must be a pointer to a struct, and validates it against its `validate`
// tags. Field names follow the `json` tags; unknown properties are rejected.
func DecodeProperties(props map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(props); err != nil {
		return fmt.Errorf("invalid properties: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("invalid properties: %w", err)
	}
	return nil
}

// Classify wraps a provider failure in an engine.EngineError. Errors that
// are already classified keep their class; cancellation and network
// failures are transient; everything else is reported with fallback.
func Classify(provider, operation, itemID string, err error, fallback engine.ErrorClass) error {
	if err == nil {
		return nil
	}

	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}

	msg := fmt.Sprintf("%s %s failed", provider, operation)

	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		ee = engine.NewTransientError(msg, err).WithCode(engine.ErrCodeTimeout)
	case errors.As(err, &netErr):
		ee = engine.NewTransientError(msg, err)
	default:
		ee = &engine.EngineError{Class: fallback, Message: msg, Err: err, Code: engine.ErrCodeProviderFailed}
	}

	return ee.WithResource(itemID).WithOperation(operation).WithDetail("provider", provider)
}
